package models

import "time"

// ConceptSet is a saved, named collection of concept ids that scopes data
// extraction to matching rows. Updates replace the membership wholesale
// under the supplied etag; there is no partial merge.
type ConceptSet struct {
	ID               int64     `json:"id"`
	Etag             string    `json:"etag,omitempty"`
	Name             string    `json:"name"`
	Domain           string    `json:"domain,omitempty"`
	Description      string    `json:"description,omitempty"`
	ConceptIDs       []int64   `json:"conceptIds,omitempty"`
	Creator          string    `json:"creator,omitempty"`
	CreationTime     time.Time `json:"creationTime,omitempty"`
	LastModifiedTime time.Time `json:"lastModifiedTime,omitempty"`
}
