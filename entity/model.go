package entity

import (
	"time"

	"golang.org/x/text/unicode/norm"
)

// Session is a persisted chat conversation.
type Session struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Model     string    `json:"model,omitempty"`
	Messages  []Message `json:"messages"`
	Files     []File    `json:"files,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Message is one turn of a Session.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// File is an attachment carried inside a Session.
type File struct {
	Name      string `json:"name"`
	MimeType  string `json:"mimeType,omitempty"`
	Content   string `json:"content"`
	Size      int64  `json:"size"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Board is a kanban board.
type Board struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Columns   []Column   `json:"columns"`
	Activity  []Activity `json:"activity,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

type Column struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Cards []Card `json:"cards"`
}

type Card struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Labels      []string   `json:"labels,omitempty"`
	DueAt       *time.Time `json:"dueAt,omitempty"`
}

// Activity is one entry of a board's audit trail.
type Activity struct {
	At     time.Time `json:"at"`
	Action string    `json:"action"`
}

// Project is a canvas project.
type Project struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Elements  []Element  `json:"elements"`
	History   []Revision `json:"history,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Element is an opaque canvas element; its geometry lives in Data.
type Element struct {
	ID   string         `json:"id"`
	Kind string         `json:"kind"`
	Data map[string]any `json:"data,omitempty"`
}

type Revision struct {
	At      time.Time `json:"at"`
	Summary string    `json:"summary"`
}

func (s *Session) entityID() string { return s.ID }
func (s *Session) setEntityID(id string) { s.ID = id }
func (s *Session) updated() time.Time { return s.UpdatedAt }
func (s *Session) stamp(now time.Time) { s.CreatedAt, s.UpdatedAt = created(s.CreatedAt, now), now }
func (b *Board) entityID() string { return b.ID }
func (b *Board) setEntityID(id string) { b.ID = id }
func (b *Board) updated() time.Time { return b.UpdatedAt }
func (b *Board) stamp(now time.Time) { b.CreatedAt, b.UpdatedAt = created(b.CreatedAt, now), now }
func (p *Project) entityID() string { return p.ID }
func (p *Project) setEntityID(id string) { p.ID = id }
func (p *Project) updated() time.Time { return p.UpdatedAt }
func (p *Project) stamp(now time.Time) { p.CreatedAt, p.UpdatedAt = created(p.CreatedAt, now), now }

func created(existing, now time.Time) time.Time {
	if existing.IsZero() {
		return now
	}
	return existing
}

func (s *Session) normalize(l Limits) {
	s.Name = norm.NFC.String(s.Name)
	s.Messages = keepNewest(s.Messages, l.MaxMessages)
	s.Files = keepNewest(s.Files, l.MaxFiles)
	for i := range s.Files {
		truncateFile(&s.Files[i], l.MaxFileBytes)
	}
}

func (b *Board) normalize(l Limits) {
	b.Title = norm.NFC.String(b.Title)
	for i := range b.Columns {
		b.Columns[i].Title = norm.NFC.String(b.Columns[i].Title)
	}
	b.Activity = keepNewest(b.Activity, l.MaxMessages)
}

func (p *Project) normalize(l Limits) {
	p.Name = norm.NFC.String(p.Name)
	p.History = keepNewest(p.History, l.MaxMessages)
}
