package cohortbuilder

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/cohortworks/platform/pkg/common/models"
)

// ParamValue is one named query parameter. Exactly one representation is
// held per value; arrays carry an element type so illegal mixes are
// unrepresentable.
type ParamValue struct {
	Type        string
	Value       string
	ArrayType   string
	ArrayValues []string
}

const (
	paramInt64     = "INT64"
	paramFloat64   = "FLOAT64"
	paramString    = "STRING"
	paramDate      = "DATE"
	paramTimestamp = "TIMESTAMP"
	paramArray     = "ARRAY"
)

func Int64Param(v int64) ParamValue {
	return ParamValue{Type: paramInt64, Value: strconv.FormatInt(v, 10)}
}

func Float64Param(v float64) ParamValue {
	return ParamValue{Type: paramFloat64, Value: strconv.FormatFloat(v, 'f', -1, 64)}
}

func StringParam(v string) ParamValue {
	return ParamValue{Type: paramString, Value: v}
}

func DateParam(v string) ParamValue {
	return ParamValue{Type: paramDate, Value: v}
}

func TimestampParam(v string) ParamValue {
	return ParamValue{Type: paramTimestamp, Value: v}
}

func Int64ArrayParam(values []int64) ParamValue {
	elements := make([]string, len(values))
	for i, v := range values {
		elements[i] = strconv.FormatInt(v, 10)
	}
	return ParamValue{Type: paramArray, ArrayType: paramInt64, ArrayValues: elements}
}

func StringArrayParam(values []string) ParamValue {
	return ParamValue{Type: paramArray, ArrayType: paramString, ArrayValues: append([]string{}, values...)}
}

// ParamRegistry allocates sequential parameter names p0, p1, ... so every
// literal in generated SQL becomes a named @pN reference.
type ParamRegistry struct {
	params map[string]ParamValue
	order  []string
}

func NewParamRegistry() *ParamRegistry {
	return &ParamRegistry{params: map[string]ParamValue{}}
}

// Add registers the value under the next free name and returns the "@pN"
// SQL reference.
func (r *ParamRegistry) Add(value ParamValue) string {
	name := "p" + strconv.Itoa(len(r.params))
	r.params[name] = value
	r.order = append(r.order, name)
	return "@" + name
}

// AddNamed registers a value under an explicit name, used for the
// person-id allow/deny list parameters whose names are part of the SQL
// templates.
func (r *ParamRegistry) AddNamed(name string, value ParamValue) string {
	if _, exists := r.params[name]; !exists {
		r.order = append(r.order, name)
	}
	r.params[name] = value
	return "@" + name
}

func (r *ParamRegistry) Len() int { return len(r.params) }

func (r *ParamRegistry) Get(name string) (ParamValue, bool) {
	v, ok := r.params[name]
	return v, ok
}

// Params returns the registered parameters in registration order.
func (r *ParamRegistry) Params() []models.QueryParameter {
	out := make([]models.QueryParameter, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, toQueryParameter(name, r.params[name]))
	}
	return out
}

// SortedParams returns parameters sorted by name, for stable rendering in
// query configuration maps.
func (r *ParamRegistry) SortedParams() []models.QueryParameter {
	params := r.Params()
	sort.Slice(params, func(i, j int) bool { return params[i].Name < params[j].Name })
	return params
}

// toQueryParameter renders the warehouse JSON named-parameter shape, which
// generated clients consume verbatim.
func toQueryParameter(name string, value ParamValue) models.QueryParameter {
	param := models.QueryParameter{
		Name:          name,
		ParameterType: models.ParameterType{Type: value.Type},
	}
	if value.Type == paramArray {
		param.ParameterType.ArrayType = &models.ParameterType{Type: value.ArrayType}
		arrayValues := make([]models.ParameterValue, len(value.ArrayValues))
		for i, v := range value.ArrayValues {
			arrayValues[i] = models.ParameterValue{Value: v}
		}
		param.ParameterValue = models.ParameterValue{ArrayValues: arrayValues}
	} else {
		param.ParameterValue = models.ParameterValue{Value: value.Value}
	}
	return param
}

// ConfigurationMap renders the parameters as the query configuration
// dictionary embedded in CdrQuery responses.
func (r *ParamRegistry) ConfigurationMap() map[string]interface{} {
	params := r.SortedParams()
	rendered := make([]interface{}, 0, len(params))
	for _, p := range params {
		parameterType := map[string]interface{}{"type": p.ParameterType.Type}
		parameterValue := map[string]interface{}{}
		if p.ParameterType.ArrayType != nil {
			parameterType["arrayType"] = map[string]interface{}{"type": p.ParameterType.ArrayType.Type}
			values := make([]interface{}, 0, len(p.ParameterValue.ArrayValues))
			for _, v := range p.ParameterValue.ArrayValues {
				values = append(values, map[string]interface{}{"value": v.Value})
			}
			parameterValue["arrayValues"] = values
		} else {
			parameterValue["value"] = p.ParameterValue.Value
		}
		rendered = append(rendered, map[string]interface{}{
			"name":           p.Name,
			"parameterType":  parameterType,
			"parameterValue": parameterValue,
		})
	}
	return map[string]interface{}{
		"query": map[string]interface{}{
			"queryParameters": rendered,
		},
	}
}

func (v ParamValue) String() string {
	if v.Type == paramArray {
		return fmt.Sprintf("%s<%s>%v", v.Type, v.ArrayType, v.ArrayValues)
	}
	return fmt.Sprintf("%s(%s)", v.Type, v.Value)
}
