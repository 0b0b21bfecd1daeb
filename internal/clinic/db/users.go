package db

import (
	"context"
	"database/sql"

	"github.com/pointcare/clinicsync/internal/clinic"
	"github.com/pointcare/clinicsync/internal/clinic/schema"
)

// AddUser stores a provider account. An empty ID is generated.
func (db *DB) AddUser(ctx context.Context, u *schema.User) (*schema.User, error) {
	in := *u
	if in.ID == "" {
		in.ID = schema.NewID()
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}

	err := db.withTx(ctx, "add user", func(tx *sql.Tx) error {
		existing, err := readRecord(ctx, tx, schema.KindUser, in.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			return clinic.Validationf("user %s already exists", in.ID)
		}
		nameID, err := db.createContentTx(ctx, tx, in.Name)
		if err != nil {
			return err
		}
		_, err = db.commitLocal(ctx, tx, schema.NewRecord(schema.KindUser, in.ID), map[string]schema.FieldValue{
			schema.FieldName:        value(nameID),
			schema.FieldRole:        value(in.Role),
			schema.FieldEmail:       value(in.Email),
			schema.FieldUserPhone:   value(in.Phone),
			schema.FieldInstanceURL: value(in.InstanceURL),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return db.GetUser(ctx, in.ID)
}

// GetUser returns a provider account.
func (db *DB) GetUser(ctx context.Context, id string) (*schema.User, error) {
	users, err := db.queryUsers(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, clinic.NotFoundf("user %s", id)
	}
	return &users[0], nil
}

// GetUserByEmail returns the account with the given email (case-insensitive).
func (db *DB) GetUserByEmail(ctx context.Context, email string) (*schema.User, error) {
	users, err := db.queryUsers(ctx, `WHERE lower(email) = lower(?) ORDER BY id LIMIT 1`, email)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, clinic.NotFoundf("user with email %s", email)
	}
	return &users[0], nil
}

// ListUsers returns every account ordered by email.
func (db *DB) ListUsers(ctx context.Context) ([]schema.User, error) {
	return db.queryUsers(ctx, `ORDER BY email, id`)
}

func (db *DB) queryUsers(ctx context.Context, where string, args ...any) ([]schema.User, error) {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT id, name, role, email, phone, instance_url FROM users
	`+where, args...)
	if err != nil {
		return nil, clinic.Storage("query users", err)
	}
	defer rows.Close()

	var users []schema.User
	var nameIDs []string
	for rows.Next() {
		var u schema.User
		var name, role, email, phone, instanceURL sql.NullString
		if err := rows.Scan(&u.ID, &name, &role, &email, &phone, &instanceURL); err != nil {
			return nil, clinic.Storage("scan user", err)
		}
		u.Name.ID = name.String
		u.Role = role.String
		u.Email = email.String
		u.Phone = phone.String
		u.InstanceURL = instanceURL.String
		nameIDs = append(nameIDs, name.String)
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, clinic.Storage("query users", err)
	}
	rows.Close()

	contents, err := loadContents(ctx, db.conn, nameIDs)
	if err != nil {
		return nil, err
	}
	for i := range users {
		users[i].Name = languageString(contents, users[i].Name.ID)
	}
	return users, nil
}
