// Package identity holds the persisted device record: the persistence id and
// the cached client-credentials token, stored in a data file that is
// excluded from host backups.
package identity

import "github.com/google/uuid"

// DataFileName is the name of the persisted data file inside the data dir.
// Hosts must exclude it from backups so restored installations re-register.
const DataFileName = "backup_excluded_data.json"

// Record is the persisted identity. Optional token fields are pointers so a
// load/save round trip keeps the difference between absent and zero.
type Record struct {
	PersistenceID string  `json:"persistence_uuid"`
	AccessToken   *string `json:"access_token,omitempty"`
	ExpiresIn     *int64  `json:"expires_in,omitempty"`
	RequestedAt   *int64  `json:"requested_at,omitempty"`
	TokenType     *string `json:"token_type,omitempty"`
	Scope         *string `json:"scope,omitempty"`
}

// Token is the subset of a token exchange result that gets persisted
type Token struct {
	AccessToken string
	ExpiresIn   int64
	RequestedAt int64
	TokenType   *string
	Scope       *string
}

// NewRecord returns a record with a freshly generated persistence id
func NewRecord() Record {
	return Record{PersistenceID: NewID()}
}

// NewID generates a canonical 36 character UUID
func NewID() string {
	return uuid.NewString()
}

// Token returns the cached access token, or "" when none is held
func (r Record) Token() string {
	if r.AccessToken == nil {
		return ""
	}
	return *r.AccessToken
}

// HasToken reports whether a non-empty access token is cached
func (r Record) HasToken() bool {
	return r.Token() != ""
}

// WithToken returns a copy of r carrying tok. Token type and scope keep their
// previous values when the exchange did not return them.
func (r Record) WithToken(tok Token) Record {
	out := r.Clone()
	out.AccessToken = strPtr(tok.AccessToken)
	out.ExpiresIn = int64Ptr(tok.ExpiresIn)
	out.RequestedAt = int64Ptr(tok.RequestedAt)
	if tok.TokenType != nil {
		out.TokenType = strPtr(*tok.TokenType)
	}
	if tok.Scope != nil {
		out.Scope = strPtr(*tok.Scope)
	}
	return out
}

// Clone returns a deep copy so callers never share pointer fields
func (r Record) Clone() Record {
	out := Record{PersistenceID: r.PersistenceID}
	if r.AccessToken != nil {
		out.AccessToken = strPtr(*r.AccessToken)
	}
	if r.ExpiresIn != nil {
		out.ExpiresIn = int64Ptr(*r.ExpiresIn)
	}
	if r.RequestedAt != nil {
		out.RequestedAt = int64Ptr(*r.RequestedAt)
	}
	if r.TokenType != nil {
		out.TokenType = strPtr(*r.TokenType)
	}
	if r.Scope != nil {
		out.Scope = strPtr(*r.Scope)
	}
	return out
}

func strPtr(s string) *string { return &s }

func int64Ptr(v int64) *int64 { return &v }
