package posts

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"regexp"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// MaxLimit is the largest number of posts a single query may return
const MaxLimit = 1000

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Post is one row of the crawler's posts table, keyed by column name
type Post = map[string]any

// Query filters the posts returned by Store.List
type Query struct {
	UserIDs []string
	// Limit of zero returns every matching post
	Limit int
}

// Store reads posts written by the crawler into its sqlite database
type Store struct {
	path  string
	table string
}

// NewStore creates a reader for table in the sqlite database at path
func NewStore(path, table string) (*Store, error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid posts table name %q", table)
	}
	return &Store{path: path, table: table}, nil
}

// Path returns the database file location
func (s *Store) Path() string {
	return s.path
}

// Exists reports whether the crawler has created the database yet
func (s *Store) Exists() bool {
	info, err := os.Stat(s.path)
	return err == nil && !info.IsDir()
}

// List returns posts newest first. A missing database yields an empty result.
func (s *Store) List(ctx context.Context, q Query) ([]Post, error) {
	if q.Limit < 0 || q.Limit > MaxLimit {
		return nil, fmt.Errorf("limit must be between 1 and %d, got %d", MaxLimit, q.Limit)
	}

	if !s.Exists() {
		return []Post{}, nil
	}

	db, err := sql.Open("sqlite3", s.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to open posts database: %w", err)
	}
	defer db.Close()

	query, args := s.buildQuery(q)
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query posts: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	posts := []Post{}
	for rows.Next() {
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, fmt.Errorf("failed to scan post: %w", err)
		}

		post := make(Post, len(columns))
		for i, column := range columns {
			if b, ok := values[i].([]byte); ok {
				post[column] = string(b)
				continue
			}
			post[column] = values[i]
		}
		posts = append(posts, post)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read posts: %w", err)
	}

	return posts, nil
}

func (s *Store) dsn() string {
	return "file:" + s.path + "?mode=ro"
}

func (s *Store) buildQuery(q Query) (string, []any) {
	var b strings.Builder
	var args []any

	fmt.Fprintf(&b, "SELECT * FROM %s", s.table)

	var ids []string
	for _, id := range q.UserIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) > 0 {
		b.WriteString(" WHERE user_id IN (")
		for i, id := range ids {
			if i > 0 {
				b.WriteString(",")
			}
			b.WriteString("?")
			args = append(args, id)
		}
		b.WriteString(")")
	}

	b.WriteString(" ORDER BY created_at DESC")

	if q.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, q.Limit)
	}

	return b.String(), args
}
