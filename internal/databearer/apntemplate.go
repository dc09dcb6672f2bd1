package databearer

import (
	"context"
	"database/sql"
	"time"

	"connectd/internal/apierr"
	"connectd/internal/store"
)

const apnSchemaDDL = `
CREATE TABLE IF NOT EXISTS apn_templates (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	apn TEXT NOT NULL,
	protocol TEXT NOT NULL,
	username TEXT NOT NULL DEFAULT '',
	password TEXT NOT NULL DEFAULT '',
	auth_method TEXT NOT NULL DEFAULT 'none',
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS apn_config (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	mode INTEGER NOT NULL DEFAULT 0,
	bound_template_id INTEGER,
	auto_start INTEGER NOT NULL DEFAULT 0
);
`

const maxApnTemplates = 16

// ApnMode mirrors ApnConfig.mode (spec.md §3).
type ApnMode int

const (
	ApnModeAuto   ApnMode = 0
	ApnModeManual ApnMode = 1
)

type ApnTemplate struct {
	ID         int64
	Name       string
	Apn        string
	Protocol   Protocol
	Username   string
	Password   string
	AuthMethod string
	CreatedAt  int64
}

type ApnConfigState struct {
	Mode            ApnMode
	BoundTemplateID int64
	AutoStart       bool
}

// EnsureApnSchema is invoked by main once the store is open. It is split
// from New so DataBearer's core bearer-control path has no schema
// dependency when APN template management isn't wired by a particular
// deployment.
func (d *DataBearer) EnsureApnSchema(st *store.Store) error {
	d.apnStore = st
	return st.EnsureSchema(context.Background(), apnSchemaDDL)
}

func (d *DataBearer) requireApnStore() (*store.Store, error) {
	if d.apnStore == nil {
		return nil, apierr.New(apierr.Internal, "apn template store not initialised")
	}
	return d.apnStore, nil
}

func (d *DataBearer) ListApnTemplates(ctx context.Context) ([]ApnTemplate, error) {
	st, err := d.requireApnStore()
	if err != nil {
		return nil, err
	}
	rows, err := st.DB().QueryContext(ctx,
		`SELECT id, name, apn, protocol, username, password, auth_method, created_at FROM apn_templates ORDER BY id`)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "list apn templates", err)
	}
	defer rows.Close()

	var out []ApnTemplate
	for rows.Next() {
		var t ApnTemplate
		var protocol string
		if err := rows.Scan(&t.ID, &t.Name, &t.Apn, &protocol, &t.Username, &t.Password, &t.AuthMethod, &t.CreatedAt); err != nil {
			return nil, apierr.Wrap(apierr.Internal, "scan apn template", err)
		}
		t.Protocol = Protocol(protocol)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (d *DataBearer) CreateApnTemplate(ctx context.Context, t ApnTemplate) (ApnTemplate, error) {
	st, err := d.requireApnStore()
	if err != nil {
		return ApnTemplate{}, err
	}
	if t.Name == "" || t.Apn == "" {
		return ApnTemplate{}, apierr.Invalid("name and apn are required")
	}

	count, _, err := st.QueryScalarInt(ctx, `SELECT COUNT(*) FROM apn_templates`)
	if err != nil {
		return ApnTemplate{}, apierr.Wrap(apierr.Internal, "count apn templates", err)
	}
	if count >= maxApnTemplates {
		return ApnTemplate{}, apierr.New(apierr.Conflict, "maximum of 16 apn templates reached")
	}

	t.CreatedAt = time.Now().Unix()
	if t.AuthMethod == "" {
		t.AuthMethod = "none"
	}

	var id int64
	err = st.WithWrite(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO apn_templates (name, apn, protocol, username, password, auth_method, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			t.Name, t.Apn, string(t.Protocol), t.Username, t.Password, t.AuthMethod, t.CreatedAt)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return ApnTemplate{}, apierr.Wrap(apierr.Internal, "create apn template", err)
	}
	t.ID = id
	return t, nil
}

func (d *DataBearer) UpdateApnTemplate(ctx context.Context, id int64, t ApnTemplate) error {
	st, err := d.requireApnStore()
	if err != nil {
		return err
	}
	return st.WithWrite(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE apn_templates SET name=?, apn=?, protocol=?, username=?, password=?, auth_method=? WHERE id=?`,
			t.Name, t.Apn, string(t.Protocol), t.Username, t.Password, t.AuthMethod, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return apierr.New(apierr.NotFound, "apn template not found")
		}
		return nil
	})
}

func (d *DataBearer) DeleteApnTemplate(ctx context.Context, id int64) error {
	st, err := d.requireApnStore()
	if err != nil {
		return err
	}
	return st.WithWrite(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM apn_templates WHERE id=?`, id)
		return err
	})
}

// GetApnConfig returns the mode/binding/auto-start config, seeding the
// documented defaults lazily (spec.md §8 invariant 1).
func (d *DataBearer) GetApnConfig(ctx context.Context) (ApnConfigState, error) {
	st, err := d.requireApnStore()
	if err != nil {
		return ApnConfigState{}, err
	}

	row := st.DB().QueryRowContext(ctx, `SELECT mode, bound_template_id, auto_start FROM apn_config WHERE id = 1`)
	var mode, autoStart int
	var boundID sql.NullInt64
	scanErr := row.Scan(&mode, &boundID, &autoStart)
	if scanErr == sql.ErrNoRows {
		werr := st.WithWrite(ctx, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO apn_config (id, mode, auto_start) VALUES (1, 0, 0)`)
			return err
		})
		if werr != nil {
			return ApnConfigState{}, apierr.Wrap(apierr.Internal, "seed apn config", werr)
		}
		return ApnConfigState{Mode: ApnModeAuto}, nil
	}
	if scanErr != nil {
		return ApnConfigState{}, apierr.Wrap(apierr.Internal, "read apn config", scanErr)
	}

	return ApnConfigState{
		Mode:            ApnMode(mode),
		BoundTemplateID: boundID.Int64,
		AutoStart:       autoStart != 0,
	}, nil
}

func (d *DataBearer) SetApnConfig(ctx context.Context, cfg ApnConfigState) error {
	st, err := d.requireApnStore()
	if err != nil {
		return err
	}
	autoStart := 0
	if cfg.AutoStart {
		autoStart = 1
	}
	return st.WithWrite(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO apn_config (id, mode, bound_template_id, auto_start) VALUES (1, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET mode=excluded.mode, bound_template_id=excluded.bound_template_id, auto_start=excluded.auto_start`,
			int(cfg.Mode), cfg.BoundTemplateID, autoStart)
		return err
	})
}

// ApplyApnTemplate writes a template's fields onto the resolved internet
// context via SetProperty calls (spec.md §6 "/api/apn/apply").
func (d *DataBearer) ApplyApnTemplate(ctx context.Context, templateID int64) error {
	st, err := d.requireApnStore()
	if err != nil {
		return err
	}
	row := st.DB().QueryRowContext(ctx,
		`SELECT apn, protocol, username, password, auth_method FROM apn_templates WHERE id = ?`, templateID)
	var apn, protocol, username, password, authMethod string
	if err := row.Scan(&apn, &protocol, &username, &password, &authMethod); err != nil {
		if err == sql.ErrNoRows {
			return apierr.New(apierr.NotFound, "apn template not found")
		}
		return apierr.Wrap(apierr.Internal, "read apn template", err)
	}

	c, err := d.findInternetContext(ctx)
	if err != nil {
		return err
	}

	props := map[string]any{
		"AccessPointName":      apn,
		"Protocol":             protocol,
		"Username":             username,
		"Password":             password,
		"AuthenticationMethod": authMethod,
	}
	for key, val := range props {
		if _, err := d.bus.Call(ctx, "", c.Path, "org.ofono.ConnectionContext.SetProperty", key, val); err != nil {
			return apierr.Wrap(apierr.Unavailable, "apply apn template", err)
		}
	}

	return d.SetApnConfig(ctx, ApnConfigState{Mode: ApnModeManual, BoundTemplateID: templateID})
}

// ClearApnContext resets the resolved internet context back to an empty
// APN/credentials, reverting to auto mode (spec.md §6 "/api/apn/clear").
func (d *DataBearer) ClearApnContext(ctx context.Context) error {
	c, err := d.findInternetContext(ctx)
	if err != nil {
		return err
	}
	props := map[string]any{
		"AccessPointName":      "",
		"Username":             "",
		"Password":             "",
		"AuthenticationMethod": "none",
	}
	for key, val := range props {
		if _, err := d.bus.Call(ctx, "", c.Path, "org.ofono.ConnectionContext.SetProperty", key, val); err != nil {
			return apierr.Wrap(apierr.Unavailable, "clear apn context", err)
		}
	}
	return d.SetApnConfig(ctx, ApnConfigState{Mode: ApnModeAuto})
}
