package store

import (
	"context"
	"database/sql"
	"strconv"

	"github.com/hashicorp/go-version"

	"github.com/gravitational/trace"

	"github.com/alljoyn/core-securitymgr/internal/capability"
	"github.com/alljoyn/core-securitymgr/internal/certutil"
	"github.com/alljoyn/core-securitymgr/internal/kinderr"
	"github.com/alljoyn/core-securitymgr/internal/manifest"
	"github.com/alljoyn/core-securitymgr/internal/model"
)

// schemaVersion is the version this build of sqlstore expects; Open fails
// closed if the database reports an older or newer schema_version row,
// checked via hashicorp/go-version.
const schemaVersion = "1.0.0"

const schemaDDL = `
CREATE TABLE IF NOT EXISTS schema_version (
	version TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS applications (
	public_key BYTEA PRIMARY KEY,
	authority_key_id TEXT NOT NULL,
	updates_pending BOOLEAN NOT NULL DEFAULT FALSE,
	app_name TEXT NOT NULL DEFAULT '',
	device_name TEXT NOT NULL DEFAULT '',
	user_defined_name TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS identity_certs (
	subject_public_key BYTEA PRIMARY KEY,
	der BYTEA NOT NULL
);
CREATE TABLE IF NOT EXISTS membership_certs (
	subject_public_key BYTEA NOT NULL,
	guild BYTEA NOT NULL,
	der BYTEA NOT NULL,
	PRIMARY KEY (subject_public_key, guild)
);
CREATE TABLE IF NOT EXISTS groups (
	authority BYTEA NOT NULL,
	guid BYTEA NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	desc TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (authority, guid)
);
CREATE TABLE IF NOT EXISTS identities (
	authority BYTEA NOT NULL,
	guid BYTEA NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (authority, guid)
);
CREATE TABLE IF NOT EXISTS policies (
	public_key BYTEA PRIMARY KEY,
	bytes BYTEA NOT NULL
);
CREATE TABLE IF NOT EXISTS manifests (
	public_key BYTEA PRIMARY KEY,
	bytes BYTEA NOT NULL
);
CREATE TABLE IF NOT EXISTS serial_counter (
	next_serial BIGINT NOT NULL
);
`

// SQLStore is the lib/pq-backed PersistedStore. It owns a capability.KvTxStore
// and the CA's own public key (needed to canonicalize empty authorities per
// invariant 6); it satisfies the PersistedStore interface.
type SQLStore struct {
	db    capability.KvTxStore
	caPub func() model.PublicKey
}

// Open wraps an already-connected KvTxStore, applies the schema DDL if
// absent, seeds schema_version and the serial counter on first run, and
// checks the stored version against schemaVersion.
func Open(ctx context.Context, db capability.KvTxStore, caPub func() model.PublicKey) (*SQLStore, error) {
	s := &SQLStore{db: db, caPub: caPub}
	if err := s.migrate(ctx); err != nil {
		return nil, trace.Wrap(err, "migrating schema")
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	return s.Transaction(ctx, func(ctx context.Context) error {
		tx := txFromCtx(ctx)
		if _, err := tx.Exec(ctx, schemaDDL); err != nil {
			return trace.Wrap(err)
		}

		row := tx.QueryRow(ctx, `SELECT version FROM schema_version LIMIT 1`)
		var stored string
		switch err := row.Scan(&stored); err {
		case sql.ErrNoRows:
			if _, err := tx.Exec(ctx, `INSERT INTO schema_version (version) VALUES ($1)`, schemaVersion); err != nil {
				return trace.Wrap(err)
			}
			if _, err := tx.Exec(ctx, `INSERT INTO serial_counter (next_serial) VALUES (1)`); err != nil {
				return trace.Wrap(err)
			}
			return nil
		case nil:
			return checkSchemaVersion(stored)
		default:
			return trace.Wrap(err)
		}
	})
}

func checkSchemaVersion(stored string) error {
	want, err := version.NewVersion(schemaVersion)
	if err != nil {
		return trace.Wrap(err)
	}
	got, err := version.NewVersion(stored)
	if err != nil {
		return trace.Wrap(err, "parsing stored schema_version %q", stored)
	}
	if !got.Equal(want) {
		return trace.BadParameter("database schema_version %s does not match expected %s", got, want)
	}
	return nil
}

type txCtxKey struct{}

func txFromCtx(ctx context.Context) capability.KvTx {
	tx, _ := ctx.Value(txCtxKey{}).(capability.KvTx)
	return tx
}

// Transaction opens a KvTx, runs fn with it bound to ctx, and commits or
// rolls back based on fn's return value.
func (s *SQLStore) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFromCtx(ctx) != nil {
		return fn(ctx) // already inside a scope; reuse it rather than nest.
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return trace.Wrap(err, "beginning transaction")
	}
	txCtx := context.WithValue(ctx, txCtxKey{}, tx)
	if err := fn(txCtx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return trace.NewAggregate(err, rbErr)
		}
		return err
	}
	return trace.Wrap(tx.Commit())
}

func (s *SQLStore) StoreApplication(ctx context.Context, app model.Application, upsert bool) error {
	return s.Transaction(ctx, func(ctx context.Context) error {
		tx := txFromCtx(ctx)
		exists, err := s.applicationExists(ctx, app.PublicKey)
		if err != nil {
			return trace.Wrap(err)
		}
		switch {
		case exists && !upsert:
			return trace.AlreadyExists("application %x already exists", app.PublicKey[:8])
		case !exists && upsert:
			return kinderr.New(kinderr.EndOfData, "application %x not found for update", app.PublicKey[:8])
		case exists:
			_, err = tx.Exec(ctx, `UPDATE applications SET authority_key_id=$2, updates_pending=$3,
				app_name=$4, device_name=$5, user_defined_name=$6 WHERE public_key=$1`,
				app.PublicKey[:], app.AKI(), app.UpdatesPending, app.Meta.AppName, app.Meta.DeviceName, app.Meta.UserDefinedName)
		default:
			_, err = tx.Exec(ctx, `INSERT INTO applications (public_key, authority_key_id, updates_pending,
				app_name, device_name, user_defined_name) VALUES ($1,$2,$3,$4,$5,$6)`,
				app.PublicKey[:], app.AKI(), app.UpdatesPending, app.Meta.AppName, app.Meta.DeviceName, app.Meta.UserDefinedName)
		}
		return trace.Wrap(err)
	})
}

func (s *SQLStore) applicationExists(ctx context.Context, pub model.PublicKey) (bool, error) {
	row := txFromCtx(ctx).QueryRow(ctx, `SELECT 1 FROM applications WHERE public_key=$1`, pub[:])
	var one int
	switch err := row.Scan(&one); err {
	case nil:
		return true, nil
	case sql.ErrNoRows:
		return false, nil
	default:
		return false, trace.Wrap(err)
	}
}

func (s *SQLStore) RemoveApplication(ctx context.Context, pub model.PublicKey) error {
	return s.Transaction(ctx, func(ctx context.Context) error {
		for _, stmt := range []string{
			`DELETE FROM identity_certs WHERE subject_public_key=$1`,
			`DELETE FROM membership_certs WHERE subject_public_key=$1`,
			`DELETE FROM policies WHERE public_key=$1`,
			`DELETE FROM manifests WHERE public_key=$1`,
			`DELETE FROM applications WHERE public_key=$1`,
		} {
			if _, err := txFromCtx(ctx).Exec(ctx, stmt, pub[:]); err != nil {
				return trace.Wrap(err)
			}
		}
		return nil
	})
}

func (s *SQLStore) GetManagedApplication(ctx context.Context, pub model.PublicKey) (model.Application, error) {
	return Transaction2(ctx, s, func(ctx context.Context) (model.Application, error) {
		row := txFromCtx(ctx).QueryRow(ctx, `SELECT authority_key_id, updates_pending, app_name, device_name,
			user_defined_name FROM applications WHERE public_key=$1`, pub[:])
		var app model.Application
		app.PublicKey = pub
		err := row.Scan(&app.AuthorityKeyID, &app.UpdatesPending, &app.Meta.AppName, &app.Meta.DeviceName, &app.Meta.UserDefinedName)
		return app, wrapStorageErr(err)
	})
}

func (s *SQLStore) GetManagedApplications(ctx context.Context) ([]model.Application, error) {
	return Transaction2(ctx, s, func(ctx context.Context) ([]model.Application, error) {
		rows, err := txFromCtx(ctx).Query(ctx, `SELECT public_key, authority_key_id, updates_pending, app_name,
			device_name, user_defined_name FROM applications`)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		defer rows.Close()

		var apps []model.Application
		for rows.Next() {
			var app model.Application
			var pubBytes []byte
			if err := rows.Scan(&pubBytes, &app.AuthorityKeyID, &app.UpdatesPending, &app.Meta.AppName,
				&app.Meta.DeviceName, &app.Meta.UserDefinedName); err != nil {
				return nil, trace.Wrap(err)
			}
			copy(app.PublicKey[:], pubBytes)
			apps = append(apps, app)
		}
		return apps, trace.Wrap(rows.Err())
	})
}

// Transaction2 is Transaction's generic-result counterpart. database/sql
// has no helper for "run this read and return a value", so the store
// threads the result out through a closure variable instead of duplicating
// Transaction's commit/rollback logic for every read method. Go forbids
// type parameters on methods, so this is a free function taking s.
func Transaction2[T any](ctx context.Context, s *SQLStore, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := s.Transaction(ctx, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	return result, err
}

func (s *SQLStore) StoreCertificate(ctx context.Context, cert model.Certificate, upsert bool) error {
	return s.Transaction(ctx, func(ctx context.Context) error {
		tx := txFromCtx(ctx)
		switch cert.Kind {
		case model.CertKindIdentity:
			return s.storeIdentityCert(ctx, tx, cert, upsert)
		case model.CertKindMembership:
			return s.storeMembershipCert(ctx, tx, cert, upsert)
		default:
			return trace.BadParameter("unknown certificate kind %d", cert.Kind)
		}
	})
}

func (s *SQLStore) storeIdentityCert(ctx context.Context, tx capability.KvTx, cert model.Certificate, upsert bool) error {
	row := tx.QueryRow(ctx, `SELECT 1 FROM identity_certs WHERE subject_public_key=$1`, cert.SubjectPublicKey[:])
	exists, err := rowExists(row)
	if err != nil {
		return trace.Wrap(err)
	}
	if exists && !upsert {
		return trace.AlreadyExists("identity certificate for %x already exists", cert.SubjectPublicKey[:8])
	}
	if !exists && upsert {
		return kinderr.New(kinderr.EndOfData, "identity certificate for %x not found", cert.SubjectPublicKey[:8])
	}
	if exists {
		_, err = tx.Exec(ctx, `UPDATE identity_certs SET der=$2 WHERE subject_public_key=$1`, cert.SubjectPublicKey[:], cert.DER)
	} else {
		_, err = tx.Exec(ctx, `INSERT INTO identity_certs (subject_public_key, der) VALUES ($1,$2)`, cert.SubjectPublicKey[:], cert.DER)
	}
	return trace.Wrap(err)
}

func (s *SQLStore) storeMembershipCert(ctx context.Context, tx capability.KvTx, cert model.Certificate, upsert bool) error {
	row := tx.QueryRow(ctx, `SELECT 1 FROM membership_certs WHERE subject_public_key=$1 AND guild=$2`,
		cert.SubjectPublicKey[:], cert.Guild[:])
	exists, err := rowExists(row)
	if err != nil {
		return trace.Wrap(err)
	}
	if exists && !upsert {
		return trace.AlreadyExists("membership certificate for %x/%x already exists", cert.SubjectPublicKey[:8], cert.Guild[:])
	}
	if !exists && upsert {
		return kinderr.New(kinderr.EndOfData, "membership certificate for %x/%x not found", cert.SubjectPublicKey[:8], cert.Guild[:])
	}
	if exists {
		_, err = tx.Exec(ctx, `UPDATE membership_certs SET der=$3 WHERE subject_public_key=$1 AND guild=$2`,
			cert.SubjectPublicKey[:], cert.Guild[:], cert.DER)
	} else {
		_, err = tx.Exec(ctx, `INSERT INTO membership_certs (subject_public_key, guild, der) VALUES ($1,$2,$3)`,
			cert.SubjectPublicKey[:], cert.Guild[:], cert.DER)
	}
	return trace.Wrap(err)
}

func rowExists(row *sql.Row) (bool, error) {
	var one int
	switch err := row.Scan(&one); err {
	case nil:
		return true, nil
	case sql.ErrNoRows:
		return false, nil
	default:
		return false, trace.Wrap(err)
	}
}

func (s *SQLStore) GetCertificate(ctx context.Context, q CertQuery) (model.Certificate, error) {
	return Transaction2(ctx, s, func(ctx context.Context) (model.Certificate, error) {
		tx := txFromCtx(ctx)
		var der []byte
		var err error
		switch q.Kind {
		case model.CertKindIdentity:
			err = tx.QueryRow(ctx, `SELECT der FROM identity_certs WHERE subject_public_key=$1`, q.Subject[:]).Scan(&der)
		case model.CertKindMembership:
			err = tx.QueryRow(ctx, `SELECT der FROM membership_certs WHERE subject_public_key=$1 AND guild=$2`,
				q.Subject[:], q.Guild[:]).Scan(&der)
		default:
			return model.Certificate{}, trace.BadParameter("unknown certificate kind %d", q.Kind)
		}
		if err != nil {
			return model.Certificate{}, wrapStorageErr(err)
		}
		return decodeCertDER(der, q.Kind)
	})
}

func (s *SQLStore) GetCertificates(ctx context.Context, q CertQuery) ([]model.Certificate, error) {
	return Transaction2(ctx, s, func(ctx context.Context) ([]model.Certificate, error) {
		tx := txFromCtx(ctx)
		var rows *sql.Rows
		var err error
		switch {
		case !q.Subject.IsZero() && q.GuildSet:
			rows, err = tx.Query(ctx, `SELECT der FROM membership_certs WHERE subject_public_key=$1 AND guild=$2`, q.Subject[:], q.Guild[:])
		case !q.Subject.IsZero():
			rows, err = tx.Query(ctx, `SELECT der FROM membership_certs WHERE subject_public_key=$1`, q.Subject[:])
		case q.GuildSet:
			rows, err = tx.Query(ctx, `SELECT der FROM membership_certs WHERE guild=$1`, q.Guild[:])
		default:
			rows, err = tx.Query(ctx, `SELECT der FROM membership_certs`)
		}
		if err != nil {
			return nil, trace.Wrap(err)
		}
		defer rows.Close()

		var certs []model.Certificate
		for rows.Next() {
			var der []byte
			if err := rows.Scan(&der); err != nil {
				return nil, trace.Wrap(err)
			}
			cert, err := decodeCertDER(der, model.CertKindMembership)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			certs = append(certs, cert)
		}
		return certs, trace.Wrap(rows.Err())
	})
}

func (s *SQLStore) RemoveCertificate(ctx context.Context, q CertQuery) error {
	return s.Transaction(ctx, func(ctx context.Context) error {
		tx := txFromCtx(ctx)
		var err error
		switch q.Kind {
		case model.CertKindIdentity:
			_, err = tx.Exec(ctx, `DELETE FROM identity_certs WHERE subject_public_key=$1`, q.Subject[:])
		case model.CertKindMembership:
			_, err = tx.Exec(ctx, `DELETE FROM membership_certs WHERE subject_public_key=$1 AND guild=$2`, q.Subject[:], q.Guild[:])
		default:
			return trace.BadParameter("unknown certificate kind %d", q.Kind)
		}
		return trace.Wrap(err)
	})
}

func (s *SQLStore) StorePolicy(ctx context.Context, pub model.PublicKey, policy model.Policy) error {
	data, err := manifest.FromRules(policy)
	if err != nil {
		return trace.Wrap(err)
	}
	return s.upsertBytes(ctx, "policies", pub, data)
}

func (s *SQLStore) GetPolicy(ctx context.Context, pub model.PublicKey) (model.Policy, error) {
	data, err := s.getBytes(ctx, "policies", pub)
	if err != nil {
		return model.Policy{}, trace.Wrap(err)
	}
	return manifest.FromBytes(data)
}

func (s *SQLStore) StoreManifest(ctx context.Context, pub model.PublicKey, policy model.Policy) error {
	data, err := manifest.FromRules(policy)
	if err != nil {
		return trace.Wrap(err)
	}
	return s.upsertBytes(ctx, "manifests", pub, data)
}

func (s *SQLStore) GetManifest(ctx context.Context, pub model.PublicKey) (model.Policy, error) {
	data, err := s.getBytes(ctx, "manifests", pub)
	if err != nil {
		return model.Policy{}, trace.Wrap(err)
	}
	return manifest.FromBytes(data)
}

func (s *SQLStore) upsertBytes(ctx context.Context, table string, pub model.PublicKey, data []byte) error {
	return s.Transaction(ctx, func(ctx context.Context) error {
		tx := txFromCtx(ctx)
		_, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE public_key=$1`, pub[:])
		if err != nil {
			return trace.Wrap(err)
		}
		_, err = tx.Exec(ctx, `INSERT INTO `+table+` (public_key, bytes) VALUES ($1,$2)`, pub[:], data)
		return trace.Wrap(err)
	})
}

func (s *SQLStore) getBytes(ctx context.Context, table string, pub model.PublicKey) ([]byte, error) {
	return Transaction2(ctx, s, func(ctx context.Context) ([]byte, error) {
		var data []byte
		err := txFromCtx(ctx).QueryRow(ctx, `SELECT bytes FROM `+table+` WHERE public_key=$1`, pub[:]).Scan(&data)
		return data, wrapStorageErr(err)
	})
}

func (s *SQLStore) StoreGroup(ctx context.Context, g model.Group) error {
	return s.Transaction(ctx, func(ctx context.Context) error {
		authority := canonicalizeAuthority(g.Authority, s.caPub())
		tx := txFromCtx(ctx)
		_, err := tx.Exec(ctx, `INSERT INTO groups (authority, guid, name, desc) VALUES ($1,$2,$3,$4)
			ON CONFLICT (authority, guid) DO UPDATE SET name=$3, desc=$4`, authority[:], g.GUID[:], g.Name, g.Desc)
		return trace.Wrap(err)
	})
}

func (s *SQLStore) RemoveGroup(ctx context.Context, authority model.PublicKey, guid model.GUID) error {
	authority = canonicalizeAuthority(authority, s.caPub())
	return s.Transaction(ctx, func(ctx context.Context) error {
		_, err := txFromCtx(ctx).Exec(ctx, `DELETE FROM groups WHERE authority=$1 AND guid=$2`, authority[:], guid[:])
		return trace.Wrap(err)
	})
}

func (s *SQLStore) GetGroup(ctx context.Context, authority model.PublicKey, guid model.GUID) (model.Group, error) {
	authority = canonicalizeAuthority(authority, s.caPub())
	return Transaction2(ctx, s, func(ctx context.Context) (model.Group, error) {
		g := model.Group{Authority: authority, GUID: guid}
		err := txFromCtx(ctx).QueryRow(ctx, `SELECT name, desc FROM groups WHERE authority=$1 AND guid=$2`,
			authority[:], guid[:]).Scan(&g.Name, &g.Desc)
		return g, wrapStorageErr(err)
	})
}

func (s *SQLStore) GetGroups(ctx context.Context) ([]model.Group, error) {
	return Transaction2(ctx, s, func(ctx context.Context) ([]model.Group, error) {
		rows, err := txFromCtx(ctx).Query(ctx, `SELECT authority, guid, name, desc FROM groups`)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		defer rows.Close()
		var groups []model.Group
		for rows.Next() {
			var g model.Group
			var authBytes, guidBytes []byte
			if err := rows.Scan(&authBytes, &guidBytes, &g.Name, &g.Desc); err != nil {
				return nil, trace.Wrap(err)
			}
			copy(g.Authority[:], authBytes)
			copy(g.GUID[:], guidBytes)
			groups = append(groups, g)
		}
		return groups, trace.Wrap(rows.Err())
	})
}

func (s *SQLStore) StoreIdentity(ctx context.Context, id model.Identity) error {
	return s.Transaction(ctx, func(ctx context.Context) error {
		authority := canonicalizeAuthority(id.Authority, s.caPub())
		tx := txFromCtx(ctx)
		_, err := tx.Exec(ctx, `INSERT INTO identities (authority, guid, name) VALUES ($1,$2,$3)
			ON CONFLICT (authority, guid) DO UPDATE SET name=$3`, authority[:], id.GUID[:], id.Name)
		return trace.Wrap(err)
	})
}

func (s *SQLStore) RemoveIdentity(ctx context.Context, authority model.PublicKey, guid model.GUID) error {
	authority = canonicalizeAuthority(authority, s.caPub())
	return s.Transaction(ctx, func(ctx context.Context) error {
		_, err := txFromCtx(ctx).Exec(ctx, `DELETE FROM identities WHERE authority=$1 AND guid=$2`, authority[:], guid[:])
		return trace.Wrap(err)
	})
}

func (s *SQLStore) GetIdentity(ctx context.Context, authority model.PublicKey, guid model.GUID) (model.Identity, error) {
	authority = canonicalizeAuthority(authority, s.caPub())
	return Transaction2(ctx, s, func(ctx context.Context) (model.Identity, error) {
		id := model.Identity{Authority: authority, GUID: guid}
		err := txFromCtx(ctx).QueryRow(ctx, `SELECT name FROM identities WHERE authority=$1 AND guid=$2`,
			authority[:], guid[:]).Scan(&id.Name)
		return id, wrapStorageErr(err)
	})
}

func (s *SQLStore) GetIdentities(ctx context.Context) ([]model.Identity, error) {
	return Transaction2(ctx, s, func(ctx context.Context) ([]model.Identity, error) {
		rows, err := txFromCtx(ctx).Query(ctx, `SELECT authority, guid, name FROM identities`)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		defer rows.Close()
		var ids []model.Identity
		for rows.Next() {
			var id model.Identity
			var authBytes, guidBytes []byte
			if err := rows.Scan(&authBytes, &guidBytes, &id.Name); err != nil {
				return nil, trace.Wrap(err)
			}
			copy(id.Authority[:], authBytes)
			copy(id.GUID[:], guidBytes)
			ids = append(ids, id)
		}
		return ids, trace.Wrap(rows.Err())
	})
}

func (s *SQLStore) GetNewSerial(ctx context.Context) (string, error) {
	return Transaction2(ctx, s, func(ctx context.Context) (string, error) {
		tx := txFromCtx(ctx)
		var next int64
		if err := tx.QueryRow(ctx, `SELECT next_serial FROM serial_counter LIMIT 1`).Scan(&next); err != nil {
			return "", wrapStorageErr(err)
		}
		if next == (1<<32)-1 {
			return "", kinderr.New(kinderr.SerialExhausted, "serial counter exhausted at 2^32-1")
		}
		if _, err := tx.Exec(ctx, `UPDATE serial_counter SET next_serial = next_serial + 1`); err != nil {
			return "", trace.Wrap(err)
		}
		return strconv.FormatInt(next, 10), nil
	})
}

func (s *SQLStore) UpdatesCompleted(ctx context.Context, pub model.PublicKey) (bool, error) {
	return s.setUpdatesPendingFlag(ctx, pub, false)
}

func (s *SQLStore) SetUpdatesPending(ctx context.Context, pub model.PublicKey, pending bool) (bool, error) {
	return s.setUpdatesPendingFlag(ctx, pub, pending)
}

func (s *SQLStore) setUpdatesPendingFlag(ctx context.Context, pub model.PublicKey, pending bool) (bool, error) {
	return Transaction2(ctx, s, func(ctx context.Context) (bool, error) {
		tx := txFromCtx(ctx)
		var current bool
		if err := tx.QueryRow(ctx, `SELECT updates_pending FROM applications WHERE public_key=$1`, pub[:]).Scan(&current); err != nil {
			return false, wrapStorageErr(err)
		}
		if current == pending {
			return false, nil
		}
		_, err := tx.Exec(ctx, `UPDATE applications SET updates_pending=$2 WHERE public_key=$1`, pub[:], pending)
		return true, trace.Wrap(err)
	})
}

func decodeCertDER(der []byte, kind model.CertKind) (model.Certificate, error) {
	cert, err := certutil.Decode(der, kind)
	if err != nil {
		return model.Certificate{}, trace.Wrap(err)
	}
	return cert, nil
}
