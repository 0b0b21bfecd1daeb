package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pointcare/clinicsync/internal/clinic"
	"github.com/pointcare/clinicsync/internal/clinic/schema"
)

// CreateContent allocates a new content record holding entries and returns
// its id. An empty entry list is refused.
func (db *DB) CreateContent(ctx context.Context, entries []schema.ContentEntry) (string, error) {
	if len(entries) == 0 {
		return "", fmt.Errorf("%w: content record needs at least one entry", clinic.ErrStorage)
	}
	ls := schema.LanguageString{Content: make(map[string]string, len(entries))}
	for _, e := range entries {
		if err := schema.ValidateLanguage(e.Language); err != nil {
			return "", err
		}
		ls.Content[e.Language] = e.Text
	}

	var id string
	err := db.withTx(ctx, "create content", func(tx *sql.Tx) error {
		var err error
		id, err = db.createContentTx(ctx, tx, ls)
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// UpdateContent sets the text of one language, leaving the others intact.
func (db *DB) UpdateContent(ctx context.Context, id, language, text string) error {
	if err := schema.ValidateLanguage(language); err != nil {
		return err
	}
	return db.withTx(ctx, "update content", func(tx *sql.Tx) error {
		_, err := db.setContentTx(ctx, tx, id, language, text)
		return err
	})
}

// GetContent returns the language -> text mapping of a content record.
func (db *DB) GetContent(ctx context.Context, id string) (map[string]string, error) {
	rec, err := readContentRecord(ctx, db.conn, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, clinic.NotFoundf("content %s", id)
	}
	content := make(map[string]string, len(rec.Fields))
	for lang, f := range rec.Fields {
		content[lang] = f.Value
	}
	return content, nil
}

// createContentTx stores ls as a new content record. When ls.ID is set it
// must not be in use yet.
func (db *DB) createContentTx(ctx context.Context, tx *sql.Tx, ls schema.LanguageString) (string, error) {
	id := ls.ID
	if id == "" {
		id = schema.NewID()
	} else {
		if err := schema.ValidateID(id); err != nil {
			return "", err
		}
		existing, err := readContentRecord(ctx, tx, id)
		if err != nil {
			return "", err
		}
		if existing != nil {
			return "", clinic.Validationf("content %s is already in use", id)
		}
	}

	changes := make(map[string]schema.FieldValue, len(ls.Content))
	for lang, text := range ls.Content {
		if err := schema.ValidateLanguage(lang); err != nil {
			return "", err
		}
		changes[lang] = schema.FieldValue{Value: text}
	}
	if len(changes) == 0 {
		return "", fmt.Errorf("%w: content record needs at least one entry", clinic.ErrStorage)
	}

	if _, err := db.commitLocal(ctx, tx, schema.NewRecord(schema.KindContent, id), changes); err != nil {
		return "", err
	}
	return id, nil
}

// setContentTx writes one language entry of an existing content record.
func (db *DB) setContentTx(ctx context.Context, tx *sql.Tx, id, language, text string) (bool, error) {
	rec, err := readContentRecord(ctx, tx, id)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, clinic.NotFoundf("content %s", id)
	}
	return db.commitLocal(ctx, tx, rec, map[string]schema.FieldValue{
		language: {Value: text},
	})
}

func readContentRecord(ctx context.Context, ex executor, id string) (*schema.Record, error) {
	var origin sql.NullString
	err := ex.QueryRowContext(ctx, `SELECT origin FROM contents WHERE id = ?`, id).Scan(&origin)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, clinic.Storage("read content "+id, err)
	}

	rows, err := ex.QueryContext(ctx, `
	SELECT language, text, version FROM content_entries WHERE content_id = ?
	`, id)
	if err != nil {
		return nil, clinic.Storage("read content entries "+id, err)
	}
	defer rows.Close()

	rec := schema.NewRecord(schema.KindContent, id)
	rec.Origin = origin.String
	for rows.Next() {
		var lang, text string
		var version int64
		if err := rows.Scan(&lang, &text, &version); err != nil {
			return nil, clinic.Storage("scan content entry", err)
		}
		rec.Fields[lang] = schema.FieldValue{Value: text, Version: version}
	}
	if err := rows.Err(); err != nil {
		return nil, clinic.Storage("read content entries "+id, err)
	}
	return rec, nil
}

func writeContentRecord(ctx context.Context, ex executor, rec *schema.Record) error {
	_, err := ex.ExecContext(ctx, `
	INSERT INTO contents (id, origin, created_at) VALUES (?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET origin = excluded.origin
	`, rec.ID, nullString(rec.Origin), schema.FormatTime(timeNow()))
	if err != nil {
		return clinic.Storage("write content "+rec.ID, err)
	}

	for lang, f := range rec.Fields {
		_, err := ex.ExecContext(ctx, `
		INSERT INTO content_entries (content_id, language, text, version) VALUES (?, ?, ?, ?)
		ON CONFLICT(content_id, language) DO UPDATE SET
			text = excluded.text,
			version = excluded.version
		`, rec.ID, lang, f.Value, f.Version)
		if err != nil {
			return clinic.Storage(fmt.Sprintf("write content %s/%s", rec.ID, lang), err)
		}
	}
	return nil
}

// loadContents resolves many content ids at once.
func loadContents(ctx context.Context, ex executor, ids []string) (map[string]map[string]string, error) {
	out := make(map[string]map[string]string, len(ids))
	seen := make(map[string]bool, len(ids))
	unique := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		unique = append(unique, id)
	}

	const chunk = 400
	for start := 0; start < len(unique); start += chunk {
		end := min(start+chunk, len(unique))
		part := unique[start:end]

		args := make([]any, len(part))
		for i, id := range part {
			args[i] = id
		}
		query := fmt.Sprintf(`
		SELECT content_id, language, text FROM content_entries
		WHERE content_id IN (%s)
		`, strings.TrimSuffix(strings.Repeat("?, ", len(part)), ", "))

		rows, err := ex.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, clinic.Storage("load content", err)
		}
		for rows.Next() {
			var id, lang, text string
			if err := rows.Scan(&id, &lang, &text); err != nil {
				rows.Close()
				return nil, clinic.Storage("scan content", err)
			}
			if out[id] == nil {
				out[id] = map[string]string{}
			}
			out[id][lang] = text
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, clinic.Storage("load content", err)
		}
	}
	return out, nil
}

// languageString builds the view of content id from a loadContents result.
func languageString(contents map[string]map[string]string, id string) schema.LanguageString {
	if id == "" {
		return schema.LanguageString{}
	}
	return schema.LanguageString{ID: id, Content: contents[id]}
}
