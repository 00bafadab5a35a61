package main

import (
	"fmt"

	// Packages
	schema "github.com/goauthentik/authentik-sub008/pkg/broker/schema"
)

///////////////////////////////////////////////////////////////////////////////
// TYPES

type TenantCommands struct {
	Tenants      ListTenantsCommand  `cmd:"" name:"tenants" help:"List enabled tenants." group:"TENANT"`
	CreateTenant CreateTenantCommand `cmd:"" name:"create-tenant" help:"Create or update a tenant." group:"TENANT"`
}

type ListTenantsCommand struct{}

type CreateTenantCommand struct {
	Id       string `arg:"" name:"id" help:"Tenant id"`
	Disabled bool   `name:"disabled" help:"Create the tenant disabled"`
}

///////////////////////////////////////////////////////////////////////////////
// COMMANDS

func (cmd *ListTenantsCommand) Run(ctx *Globals) error {
	b, conn, err := ctx.Broker()
	if err != nil {
		return err
	}
	defer conn.Close()
	defer b.Close(ctx.ctx)

	tenants, err := b.ListTenants(ctx.ctx)
	if err != nil {
		return err
	}

	fmt.Println(tenants)
	return nil
}

func (cmd *CreateTenantCommand) Run(ctx *Globals) error {
	b, conn, err := ctx.Broker()
	if err != nil {
		return err
	}
	defer conn.Close()
	defer b.Close(ctx.ctx)

	tenant, err := b.RegisterTenant(ctx.ctx, schema.Tenant{
		TenantID: cmd.Id,
		Enabled:  !cmd.Disabled,
	})
	if err != nil {
		return err
	}

	fmt.Println(tenant)
	return nil
}
