package cdr

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/cohortworks/platform/pkg/common/apierrors"
	"github.com/cohortworks/platform/pkg/common/logger"
	"github.com/cohortworks/platform/pkg/common/models"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

type criteriaModel struct {
	ID              int64  `gorm:"primaryKey;column:id"`
	ParentID        int64  `gorm:"column:parent_id"`
	DomainID        string `gorm:"column:domain_id;index"`
	Type            string `gorm:"column:type"`
	Subtype         string `gorm:"column:subtype"`
	ConceptID       *int64 `gorm:"column:concept_id;index"`
	Name            string `gorm:"column:name"`
	Code            string `gorm:"column:code"`
	Group           bool   `gorm:"column:is_group"`
	Selectable      bool   `gorm:"column:is_selectable"`
	HasAttributes   bool   `gorm:"column:has_attributes"`
	HasAncestorData bool   `gorm:"column:has_ancestor_data"`
	IsStandard      bool   `gorm:"column:is_standard"`
	// Path is the dot-delimited ancestor id chain; it never includes the
	// node's own id, and is empty for roots.
	Path     string `gorm:"column:path"`
	EstCount int64  `gorm:"column:est_count"`
}

func (criteriaModel) TableName() string { return "cb_criteria" }

type criteriaAncestorModel struct {
	AncestorID   int64 `gorm:"column:ancestor_id;index"`
	DescendantID int64 `gorm:"column:descendant_id"`
}

func (criteriaAncestorModel) TableName() string { return "cb_criteria_ancestor" }

// ConceptSelector is the resolved form of one selected criteria node: the
// concrete concept-id set plus whether the compiler must additionally
// expand through the warehouse ancestor table.
type ConceptSelector struct {
	CriteriaID   int64
	ConceptIDs   []int64
	UseAncestors bool
}

// ConceptLookup maps a search parameter's parameterId to the expanded set
// of child concept ids for group/ancestor parameters.
type ConceptLookup map[string][]int64

// Resolver answers criteria-catalog lookups for the compiler. Descendant
// expansions are cached in redis since the catalog is immutable per CDR
// version.
type Resolver struct {
	db       *gorm.DB
	cache    *redis.Client
	cacheTTL time.Duration
}

func NewResolver(db *gorm.DB, cache *redis.Client, cacheTTL time.Duration) *Resolver {
	return &Resolver{db: db, cache: cache, cacheTTL: cacheTTL}
}

func (r *Resolver) AutoMigrate() error {
	return r.db.AutoMigrate(&criteriaModel{}, &criteriaAncestorModel{})
}

// Resolve maps catalog node ids to concept selectors, expanding group
// nodes to all selectable descendant concepts. An unknown id is a request
// error, not a warehouse error.
func (r *Resolver) Resolve(ctx context.Context, ids []int64) ([]ConceptSelector, error) {
	selectors := make([]ConceptSelector, 0, len(ids))
	for _, id := range ids {
		var row criteriaModel
		err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error
		if err == gorm.ErrRecordNotFound {
			return nil, apierrors.BadRequest(apierrors.CodeUnknownCriteriaID, "unknown criteria id %d", id)
		}
		if err != nil {
			return nil, fmt.Errorf("criteria lookup failed: %w", err)
		}
		selector := ConceptSelector{CriteriaID: id, UseAncestors: row.HasAncestorData}
		if row.ConceptID != nil {
			selector.ConceptIDs = append(selector.ConceptIDs, *row.ConceptID)
		}
		if row.Group {
			children, err := r.descendantConceptIDs(ctx, &row)
			if err != nil {
				return nil, err
			}
			selector.ConceptIDs = append(selector.ConceptIDs, children...)
		}
		selectors = append(selectors, selector)
	}
	return selectors, nil
}

// BuildLookup expands every group or ancestor-data search parameter in the
// request into its child concept-id set, keyed by parameterId. Leaf
// parameters without ancestor data are skipped; the compiler uses their
// concept id directly.
func (r *Resolver) BuildLookup(ctx context.Context, request *models.SearchRequest) (ConceptLookup, error) {
	lookup := ConceptLookup{}
	groups := append(append([]models.SearchGroup{}, request.Includes...), request.Excludes...)
	for _, group := range groups {
		for _, item := range group.Items {
			if len(item.SearchParameters) == 0 {
				return nil, apierrors.BadRequest(apierrors.CodeInvalidRequest, "search parameters are empty")
			}
			for _, param := range item.SearchParameters {
				if !param.Group && !param.AncestorData {
					continue
				}
				if param.ConceptID == nil {
					return nil, apierrors.BadRequest(apierrors.CodeInvalidRequest,
						"group parameter %s has no concept id", param.ParameterID)
				}
				var conceptIDs []int64
				var err error
				if param.AncestorData {
					conceptIDs, err = r.ancestorExpansion(ctx, *param.ConceptID)
				} else {
					conceptIDs, err = r.groupExpansion(ctx, param)
				}
				if err != nil {
					return nil, err
				}
				lookup[param.ParameterID] = conceptIDs
			}
		}
	}
	return lookup, nil
}

// groupExpansion finds the catalog node for a group parameter and returns
// the concept ids of all selectable descendants.
func (r *Resolver) groupExpansion(ctx context.Context, param models.SearchParameter) ([]int64, error) {
	var row criteriaModel
	err := r.db.WithContext(ctx).
		Where("domain_id = ? AND type = ? AND is_standard = ? AND concept_id = ?",
			param.Domain, param.Type, param.Standard, *param.ConceptID).
		First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, apierrors.BadRequest(apierrors.CodeUnknownCriteriaID,
			"no criteria found for concept %d in domain %s", *param.ConceptID, param.Domain)
	}
	if err != nil {
		return nil, fmt.Errorf("criteria group lookup failed: %w", err)
	}
	return r.descendantConceptIDs(ctx, &row)
}

func (r *Resolver) descendantConceptIDs(ctx context.Context, parent *criteriaModel) ([]int64, error) {
	cacheKey := fmt.Sprintf("cdr:criteria:descendants:%d", parent.ID)
	if cached, ok := r.fromCache(ctx, cacheKey); ok {
		return cached, nil
	}

	prefix := strconv.FormatInt(parent.ID, 10)
	if parent.Path != "" {
		prefix = parent.Path + "." + prefix
	}
	var conceptIDs []int64
	err := r.db.WithContext(ctx).Model(&criteriaModel{}).
		Where("domain_id = ? AND is_standard = ? AND is_selectable = ? AND concept_id IS NOT NULL", parent.DomainID, parent.IsStandard, true).
		Where("path = ? OR path LIKE ?", prefix, prefix+".%").
		Pluck("concept_id", &conceptIDs).Error
	if err != nil {
		return nil, fmt.Errorf("criteria descendant lookup failed: %w", err)
	}

	r.toCache(ctx, cacheKey, conceptIDs)
	return conceptIDs, nil
}

// ancestorExpansion resolves drug-style hierarchies through the flattened
// ancestor table instead of the criteria tree path.
func (r *Resolver) ancestorExpansion(ctx context.Context, conceptID int64) ([]int64, error) {
	cacheKey := fmt.Sprintf("cdr:criteria:ancestors:%d", conceptID)
	if cached, ok := r.fromCache(ctx, cacheKey); ok {
		return cached, nil
	}

	var conceptIDs []int64
	err := r.db.WithContext(ctx).Model(&criteriaAncestorModel{}).
		Where("ancestor_id = ?", conceptID).
		Pluck("descendant_id", &conceptIDs).Error
	if err != nil {
		return nil, fmt.Errorf("criteria ancestor lookup failed: %w", err)
	}

	r.toCache(ctx, cacheKey, conceptIDs)
	return conceptIDs, nil
}

func (r *Resolver) fromCache(ctx context.Context, key string) ([]int64, bool) {
	if r.cache == nil {
		return nil, false
	}
	data, err := r.cache.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	var conceptIDs []int64
	if err := json.Unmarshal(data, &conceptIDs); err != nil {
		return nil, false
	}
	return conceptIDs, true
}

func (r *Resolver) toCache(ctx context.Context, key string, conceptIDs []int64) {
	if r.cache == nil {
		return
	}
	data, err := json.Marshal(conceptIDs)
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, key, data, r.cacheTTL).Err(); err != nil {
		logger.Log.WithError(err).WithField("key", key).Debug("criteria cache write failed")
	}
}
