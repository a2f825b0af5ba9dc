package domain

import "time"

// SigningKeyRecord is a tenant-scoped signing key as stored in
// Postgres. The PEM material is loaded into the in-memory key provider
// at startup and on rotation.
type SigningKeyRecord struct {
	ID         int64
	TenantID   string
	KID        string
	PrivatePEM string
	PublicPEM  string
	Algorithm  string
	Active     bool
	CreatedAt  time.Time
}
