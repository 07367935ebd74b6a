package cohortbuilder

import "testing"

func TestParamRegistryNamesSequentially(t *testing.T) {
	reg := NewParamRegistry()
	first := reg.Add(Int64Param(42))
	second := reg.Add(StringParam("abc"))
	if first != "@p0" || second != "@p1" {
		t.Fatalf("expected @p0 and @p1, got %s and %s", first, second)
	}
	if reg.Len() != 2 {
		t.Fatalf("expected 2 params, got %d", reg.Len())
	}
}

func TestParamRegistryRendersWireShape(t *testing.T) {
	reg := NewParamRegistry()
	reg.Add(Int64ArrayParam([]int64{1, 2, 3}))
	params := reg.Params()
	if len(params) != 1 {
		t.Fatalf("expected 1 param, got %d", len(params))
	}
	p := params[0]
	if p.Name != "p0" {
		t.Fatalf("expected name p0, got %s", p.Name)
	}
	if p.ParameterType.Type != "ARRAY" {
		t.Fatalf("expected ARRAY type, got %s", p.ParameterType.Type)
	}
	if p.ParameterType.ArrayType == nil || p.ParameterType.ArrayType.Type != "INT64" {
		t.Fatalf("expected INT64 array element type, got %+v", p.ParameterType.ArrayType)
	}
	if len(p.ParameterValue.ArrayValues) != 3 || p.ParameterValue.ArrayValues[1].Value != "2" {
		t.Fatalf("unexpected array values: %+v", p.ParameterValue.ArrayValues)
	}
}

func TestParamRegistryNamedParams(t *testing.T) {
	reg := NewParamRegistry()
	ref := reg.AddNamed("person_id_whitelist", Int64ArrayParam([]int64{7}))
	if ref != "@person_id_whitelist" {
		t.Fatalf("expected @person_id_whitelist, got %s", ref)
	}
	if _, ok := reg.Get("person_id_whitelist"); !ok {
		t.Fatal("expected named param to be retrievable")
	}
}

func TestConfigurationMapWrapsQueryParameters(t *testing.T) {
	reg := NewParamRegistry()
	reg.Add(Float64Param(1.5))
	cfg := reg.ConfigurationMap()
	query, ok := cfg["query"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected query key in configuration, got %+v", cfg)
	}
	if _, ok := query["queryParameters"]; !ok {
		t.Fatalf("expected queryParameters in configuration, got %+v", query)
	}
}
