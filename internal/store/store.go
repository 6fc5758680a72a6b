package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// record is the physical row shape: one table for every entity kind,
// partitioned by type = "KIND#projectID" with sort key id. Timestamps
// are kept as unix nanos so cursor ordering compares identically on
// every SQL backend.
type record struct {
	Type      string  `gorm:"column:type;primaryKey;size:128"`
	ID        string  `gorm:"column:id;primaryKey;size:64"`
	Project   string  `gorm:"column:project;size:64;not null"`
	CreatedAt int64   `gorm:"column:created_at;not null;index"`
	UpdatedAt int64   `gorm:"column:updated_at;not null"`
	Payload   []byte  `gorm:"column:payload;type:jsonb"`
	IAttr1    *string `gorm:"column:i_attr1;size:512;index"`
	IAttr2    *string `gorm:"column:i_attr2;size:512;index"`
	IAttr3    *string `gorm:"column:i_attr3;size:512;index"`
	IAttr4    *string `gorm:"column:i_attr4;size:512;index"`
	GEmail    *string `gorm:"column:g_email;size:320;index"`
	GMsgID    *string `gorm:"column:g_message_id;size:128;index"`
}

func (record) TableName() string { return "entities" }

// Comparator selects the physical index query shape.
type Comparator string

const (
	Equals     Comparator = "eq"
	BeginsWith Comparator = "begins_with"
)

// Query describes a single physical index query against one declared
// logical key.
type Query struct {
	Key        string
	Value      string
	Comparator Comparator // Equals when empty
	Limit      int
	Cursor     string
}

// ListOptions paginates an unfiltered scan of one partition.
type ListOptions struct {
	Cursor string
	Limit  int
}

// Store is the generic entity repository over the single physical
// table. All access to persisted entities goes through it.
type Store struct {
	db       *gorm.DB
	schemas  *Registry
	validate *validator.Validate
}

func New(db *gorm.DB, schemas *Registry) *Store {
	return &Store{
		db:       db,
		schemas:  schemas,
		validate: validator.New(),
	}
}

// Migrate creates the physical table and its index columns.
func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(&record{}); err != nil {
		return errors.Wrap(err, "failed to migrate entities table")
	}
	return nil
}

func partitionKey(kind Kind, project string) string {
	return string(kind) + "#" + project
}

// Create assigns id and timestamps, projects the declared index values
// and writes the record under its partition. The entity is mutated in
// place with the assigned meta.
func (s *Store) Create(ctx context.Context, e Entity) error {
	meta := e.EntityMeta()
	if meta.Project == "" {
		return &ValidationError{Kind: e.EntityKind(), Err: errors.New("project is required")}
	}
	if err := s.validate.Struct(e); err != nil {
		return &ValidationError{Kind: e.EntityKind(), Err: err}
	}
	if meta.ID == "" {
		meta.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	meta.CreatedAt = now
	meta.UpdatedAt = now

	rec, err := s.toRecord(e)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return transient("create", err)
	}
	return nil
}

// Get loads one entity into out. Absence is a normal branch, reported
// through the boolean, never through the error.
func (s *Store) Get(ctx context.Context, kind Kind, project, id string, out Entity) (bool, error) {
	var rec record
	err := s.db.WithContext(ctx).
		Where("type = ? AND id = ?", partitionKey(kind, project), id).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, transient("get", err)
	}
	if err := json.Unmarshal(rec.Payload, out); err != nil {
		return false, errors.Wrapf(err, "failed to decode %s %s", kind, id)
	}
	return true, nil
}

// Put fully overwrites the stored record and bumps updatedAt.
// Last-writer-wins: there is no optimistic lock, concurrent writers to
// the same entity race and the later write survives.
func (s *Store) Put(ctx context.Context, e Entity) error {
	meta := e.EntityMeta()
	if meta.ID == "" || meta.Project == "" {
		return &ValidationError{Kind: e.EntityKind(), Err: errors.New("id and project are required")}
	}
	if err := s.validate.Struct(e); err != nil {
		return &ValidationError{Kind: e.EntityKind(), Err: err}
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}
	meta.UpdatedAt = time.Now().UTC()

	rec, err := s.toRecord(e)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Save(rec).Error; err != nil {
		return transient("put", err)
	}
	return nil
}

// Delete removes one entity. Deleting a missing id is a no-op success.
func (s *Store) Delete(ctx context.Context, kind Kind, project, id string) error {
	err := s.db.WithContext(ctx).
		Where("type = ? AND id = ?", partitionKey(kind, project), id).
		Delete(&record{}).Error
	if err != nil {
		return transient("delete", err)
	}
	return nil
}

// FindBy runs a single physical index query and decodes one page of
// results into out (a pointer to a slice). The returned cursor is empty
// once the partition is drained.
func (s *Store) FindBy(ctx context.Context, kind Kind, project string, q Query, out interface{}) (string, error) {
	recs, next, err := s.findPage(ctx, kind, project, q)
	if err != nil {
		return "", err
	}
	if err := decodeRecords(recs, out); err != nil {
		return "", err
	}
	return next, nil
}

// FindAllBy drains every page of a FindBy internally. Use it only where
// the caller needs the complete result set; each query is bounded by
// its partition.
func (s *Store) FindAllBy(ctx context.Context, kind Kind, project string, q Query, out interface{}) error {
	var all []record
	q.Cursor = ""
	for {
		recs, next, err := s.findPage(ctx, kind, project, q)
		if err != nil {
			return err
		}
		all = append(all, recs...)
		if next == "" {
			break
		}
		q.Cursor = next
	}
	return decodeRecords(all, out)
}

// List paginates a whole partition without an index filter.
func (s *Store) List(ctx context.Context, kind Kind, project string, opts ListOptions, out interface{}) (string, error) {
	limit := clampLimit(opts.Limit)
	tx := s.db.WithContext(ctx).
		Where("type = ?", partitionKey(kind, project))
	tx, err := applyCursor(tx, kind, opts.Cursor)
	if err != nil {
		return "", err
	}

	var recs []record
	if err := tx.Order("created_at, id").Limit(limit + 1).Find(&recs).Error; err != nil {
		return "", transient("list", err)
	}
	recs, next := trimPage(recs, limit)
	if err := decodeRecords(recs, out); err != nil {
		return "", err
	}
	return next, nil
}

func (s *Store) findPage(ctx context.Context, kind Kind, project string, q Query) ([]record, string, error) {
	slot, err := s.schemas.Resolve(kind, q.Key)
	if err != nil {
		return nil, "", err
	}
	limit := clampLimit(q.Limit)

	tx := s.db.WithContext(ctx).
		Where("type = ?", partitionKey(kind, project))
	switch q.Comparator {
	case "", Equals:
		tx = tx.Where(string(slot)+" = ?", q.Value)
	case BeginsWith:
		tx = tx.Where(string(slot)+" LIKE ? ESCAPE '\\'", escapeLike(q.Value)+"%")
	default:
		return nil, "", &ValidationError{Kind: kind, Err: errors.Errorf("unknown comparator %q", q.Comparator)}
	}
	tx, err = applyCursor(tx, kind, q.Cursor)
	if err != nil {
		return nil, "", err
	}

	var recs []record
	if err := tx.Order("created_at, id").Limit(limit + 1).Find(&recs).Error; err != nil {
		return nil, "", transient("findBy", err)
	}
	recs, next := trimPage(recs, limit)
	return recs, next, nil
}

// findChildren is the embedder's batch query: every child row whose
// declared slot holds one of the parent ids, in one round trip.
func (s *Store) findChildren(ctx context.Context, kind Kind, project, key string, parentIDs []string) ([]record, Slot, error) {
	slot, err := s.schemas.Resolve(kind, key)
	if err != nil {
		return nil, "", err
	}
	var recs []record
	err = s.db.WithContext(ctx).
		Where("type = ?", partitionKey(kind, project)).
		Where(string(slot)+" IN ?", parentIDs).
		Order("created_at, id").
		Find(&recs).Error
	if err != nil {
		return nil, "", transient("embed", err)
	}
	return recs, slot, nil
}

func (s *Store) toRecord(e Entity) (*record, error) {
	meta := e.EntityMeta()
	embedded := meta.Embedded
	meta.Embedded = nil
	payload, err := json.Marshal(e)
	meta.Embedded = embedded
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode %s payload", e.EntityKind())
	}

	rec := &record{
		Type:      partitionKey(e.EntityKind(), meta.Project),
		ID:        meta.ID,
		Project:   meta.Project,
		CreatedAt: meta.CreatedAt.UnixNano(),
		UpdatedAt: meta.UpdatedAt.UnixNano(),
		Payload:   payload,
	}

	kind := e.EntityKind()
	values := e.IndexValues()
	sch, ok := s.schemas.schemas[kind]
	if !ok {
		return nil, &UnsupportedIndexError{Kind: kind}
	}
	for field, slot := range sch.Slots {
		v, ok := values[field]
		if !ok || v == "" {
			continue
		}
		val := v
		switch slot {
		case SlotAttr1:
			rec.IAttr1 = &val
		case SlotAttr2:
			rec.IAttr2 = &val
		case SlotAttr3:
			rec.IAttr3 = &val
		case SlotAttr4:
			rec.IAttr4 = &val
		case SlotByEmail:
			rec.GEmail = &val
		case SlotByMessageID:
			rec.GMsgID = &val
		}
	}
	return rec, nil
}

func slotValue(rec record, slot Slot) string {
	var v *string
	switch slot {
	case SlotAttr1:
		v = rec.IAttr1
	case SlotAttr2:
		v = rec.IAttr2
	case SlotAttr3:
		v = rec.IAttr3
	case SlotAttr4:
		v = rec.IAttr4
	case SlotByEmail:
		v = rec.GEmail
	case SlotByMessageID:
		v = rec.GMsgID
	}
	if v == nil {
		return ""
	}
	return *v
}

// decodeRecords assembles the stored payloads into one JSON array and
// unmarshals it into out, so callers get typed slices without the store
// knowing their concrete type.
func decodeRecords(recs []record, out interface{}) error {
	raw := make([]json.RawMessage, len(recs))
	for i, rec := range recs {
		raw[i] = rec.Payload
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return errors.Wrap(err, "failed to assemble result page")
	}
	if err := json.Unmarshal(buf, out); err != nil {
		return errors.Wrap(err, "failed to decode result page")
	}
	return nil
}

type cursorToken struct {
	CreatedAt int64  `json:"c"`
	ID        string `json:"i"`
}

func encodeCursor(rec record) string {
	buf, _ := json.Marshal(cursorToken{CreatedAt: rec.CreatedAt, ID: rec.ID})
	return base64.RawURLEncoding.EncodeToString(buf)
}

func applyCursor(tx *gorm.DB, kind Kind, cursor string) (*gorm.DB, error) {
	if cursor == "" {
		return tx, nil
	}
	buf, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, &ValidationError{Kind: kind, Err: errors.Wrap(err, "malformed cursor")}
	}
	var tok cursorToken
	if err := json.Unmarshal(buf, &tok); err != nil {
		return nil, &ValidationError{Kind: kind, Err: errors.Wrap(err, "malformed cursor")}
	}
	return tx.Where("(created_at, id) > (?, ?)", tok.CreatedAt, tok.ID), nil
}

func trimPage(recs []record, limit int) ([]record, string) {
	if len(recs) <= limit {
		return recs, ""
	}
	recs = recs[:limit]
	return recs, encodeCursor(recs[limit-1])
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}

func escapeLike(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(v)
}
