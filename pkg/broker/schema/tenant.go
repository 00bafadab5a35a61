package schema

import (
	// Packages
	pg "github.com/goauthentik/authentik-sub008"
)

////////////////////////////////////////////////////////////////////////////////
// TYPES

// Tenant is a unit of isolation for scheduled work. Disabled tenants are
// skipped by the scheduler.
type Tenant struct {
	TenantID string `json:"tenant_id"`
	Enabled  bool   `json:"enabled"`
}

// TenantListRequest selects all enabled tenants in stable order.
type TenantListRequest struct{}

type TenantList struct {
	Body []Tenant `json:"body,omitempty"`
}

////////////////////////////////////////////////////////////////////////////////
// STRINGIFY

func (t Tenant) String() string {
	return stringify(t)
}

////////////////////////////////////////////////////////////////////////////////
// READER

func (t *Tenant) Scan(row pg.Row) error {
	return row.Scan(&t.TenantID, &t.Enabled)
}

func (l *TenantList) Scan(row pg.Row) error {
	var tenant Tenant
	if err := tenant.Scan(row); err != nil {
		return err
	}
	l.Body = append(l.Body, tenant)
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// WRITER

func (t Tenant) Insert(bind *pg.Bind) (string, error) {
	if t.TenantID == "" {
		return "", pg.ErrBadParameter.With("missing tenant_id")
	}
	bind.Set("tenant_id", t.TenantID)
	bind.Set("enabled", t.Enabled)
	return bind.Replace("${broker.tenant_upsert}"), nil
}

func (t Tenant) Update(bind *pg.Bind) error {
	return pg.ErrNotImplemented.With("Tenant update")
}

////////////////////////////////////////////////////////////////////////////////
// SELECTOR

func (TenantListRequest) Select(bind *pg.Bind, op pg.Op) (string, error) {
	switch op {
	case pg.List:
		return bind.Replace("${broker.tenant_list}"), nil
	default:
		return "", pg.ErrNotImplemented.Withf("unsupported TenantListRequest operation %q", op)
	}
}
