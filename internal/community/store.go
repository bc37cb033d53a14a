// Package community provides PostgreSQL-backed storage for support
// communities and their posts. Each community groups members around one
// condition (PTSD, chronic pain, cancer, general wellness) and carries a
// feed of support posts.
package community

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// validSupportTypes is the set of allowed post support types, matching the
// CHECK constraint on the posts table.
var validSupportTypes = map[string]bool{
	"general":          true,
	"seeking-help":     true,
	"offering-support": true,
	"milestone":        true,
}

// Community is one support community.
type Community struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Category    string    `json:"category"` // ptsd, chronic-pain, cancer, general-wellness
	IsPrivate   bool      `json:"is_private"`
	MemberCount int       `json:"member_count"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
}

// Post is one support post inside a community.
type Post struct {
	ID          string    `json:"id"`
	CommunityID string    `json:"community_id"`
	AuthorID    string    `json:"author_id"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	IsAnonymous bool      `json:"is_anonymous"`
	SupportType string    `json:"support_type"` // general, seeking-help, offering-support, milestone
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store manages communities and posts in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new community store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// ListCommunities returns all communities, newest first.
func (s *Store) ListCommunities(ctx context.Context) ([]Community, error) {
	const query = `
		SELECT id, name, description, category, is_private, member_count, created_by, created_at
		FROM communities
		ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("community: list: %w", err)
	}
	defer rows.Close()

	var out []Community
	for rows.Next() {
		var c Community
		if err := rows.Scan(&c.ID, &c.Name, &c.Description, &c.Category,
			&c.IsPrivate, &c.MemberCount, &c.CreatedBy, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("community: scan: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Exists reports whether a community with the given ID exists. The WebSocket
// upgrade path uses it to vet the room before attaching a connection.
func (s *Store) Exists(ctx context.Context, id string) error {
	const query = `SELECT 1 FROM communities WHERE id = $1`

	var one int
	err := s.db.QueryRowContext(ctx, query, id).Scan(&one)
	if err == sql.ErrNoRows {
		return fmt.Errorf("community: %s not found", id)
	}
	if err != nil {
		return fmt.Errorf("community: exists: %w", err)
	}
	return nil
}

// CreateCommunity inserts a new community created by the given member and
// returns it with its generated ID and timestamps.
func (s *Store) CreateCommunity(ctx context.Context, name, description, category, createdBy string) (*Community, error) {
	if name == "" || category == "" {
		return nil, fmt.Errorf("community: name and category are required")
	}

	c := &Community{
		ID:          uuid.New().String(),
		Name:        name,
		Description: description,
		Category:    category,
		IsPrivate:   true,
		CreatedBy:   createdBy,
		CreatedAt:   time.Now().UTC(),
	}

	const query = `
		INSERT INTO communities (id, name, description, category, is_private, member_count, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.db.ExecContext(ctx, query,
		c.ID, c.Name, c.Description, c.Category, c.IsPrivate, c.MemberCount, c.CreatedBy, c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("community: insert: %w", err)
	}
	return c, nil
}

// ListPosts returns all posts in a community, newest first.
func (s *Store) ListPosts(ctx context.Context, communityID string) ([]Post, error) {
	const query = `
		SELECT id, community_id, author_id, title, content, is_anonymous, support_type, created_at, updated_at
		FROM posts
		WHERE community_id = $1
		ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, communityID)
	if err != nil {
		return nil, fmt.Errorf("community: list posts: %w", err)
	}
	defer rows.Close()

	var out []Post
	for rows.Next() {
		var p Post
		if err := rows.Scan(&p.ID, &p.CommunityID, &p.AuthorID, &p.Title, &p.Content,
			&p.IsAnonymous, &p.SupportType, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("community: scan post: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CreatePost inserts a new post authored by the given member. The support
// type is validated against the allowed set before insertion.
func (s *Store) CreatePost(ctx context.Context, p *Post) error {
	if p.Title == "" || p.Content == "" {
		return fmt.Errorf("community: post title and content are required")
	}
	if p.SupportType == "" {
		p.SupportType = "general"
	}
	if !validSupportTypes[p.SupportType] {
		return fmt.Errorf("community: invalid support type %q", p.SupportType)
	}

	now := time.Now().UTC()
	p.ID = uuid.New().String()
	p.CreatedAt = now
	p.UpdatedAt = now

	const query = `
		INSERT INTO posts (id, community_id, author_id, title, content, is_anonymous, support_type, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.db.ExecContext(ctx, query,
		p.ID, p.CommunityID, p.AuthorID, p.Title, p.Content,
		p.IsAnonymous, p.SupportType, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("community: insert post: %w", err)
	}
	return nil
}

// defaultCommunities are created on first boot so new members land in a
// populated platform.
var defaultCommunities = []Community{
	{
		Name:        "PTSD Recovery Room",
		Description: "A safe space for PTSD survivors to share experiences and support each other",
		Category:    "ptsd",
	},
	{
		Name:        "Chronic Pain Warriors",
		Description: "Support and understanding for those managing chronic pain conditions",
		Category:    "chronic-pain",
	},
	{
		Name:        "Cancer Fighters",
		Description: "Community for cancer survivors and those currently fighting cancer",
		Category:    "cancer",
	},
	{
		Name:        "General Wellness",
		Description: "Open community for general mental health and wellness support",
		Category:    "general-wellness",
	},
}

// SeedDefaults inserts the default communities if none exist yet. It is safe
// to call on every boot.
func (s *Store) SeedDefaults(ctx context.Context) error {
	const countQuery = `SELECT COUNT(*) FROM communities`

	var count int
	if err := s.db.QueryRowContext(ctx, countQuery).Scan(&count); err != nil {
		return fmt.Errorf("community: count: %w", err)
	}
	if count > 0 {
		return nil
	}

	for _, c := range defaultCommunities {
		if _, err := s.CreateCommunity(ctx, c.Name, c.Description, c.Category, "system"); err != nil {
			return fmt.Errorf("community: seed %q: %w", c.Name, err)
		}
	}
	return nil
}
