package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"automoth/internal/storage"
	"automoth/pkg/logx"
)

var (
	ErrInvalidValue   = errors.New("invalid metadata value")
	ErrInvalidField   = errors.New("field name must not be empty")
	ErrBuiltinField   = errors.New("builtin metadata field cannot be changed")
	ErrReadOnly       = errors.New("metadata entry is read-only")
	ErrUnknownField   = errors.New("unknown metadata field")
	ErrTypeMismatch   = errors.New("metadata value has the wrong type")
	ErrFieldConflicts = errors.New("field name is reserved")
)

// Default entry names. Name, latitude and longitude are editable.
const (
	EntryName      = "name"
	EntryLatitude  = "latitude"
	EntryLongitude = "longitude"
	EntryInterval  = "interval"
	EntryStarted   = "started"
	EntryCompleted = "completed"
	EntryDevice    = "device"
)

var reserved = map[string]bool{
	EntryName: true, EntryLatitude: true, EntryLongitude: true, EntryInterval: true,
	EntryStarted: true, EntryCompleted: true, EntryDevice: true,
}

// Field is a registered metadata field.
type Field struct {
	Name    string `json:"name"`
	Type    Type   `json:"type"`
	Builtin bool   `json:"builtin"`
}

// Builtin fields registered on first start.
var Builtin = []Field{
	{Name: "sheet_width", Type: TypeDouble, Builtin: true},
	{Name: "sheet_height", Type: TypeDouble, Builtin: true},
}

type validator func(Value) error

var validators = map[string]validator{
	"sheet_width":  positive,
	"sheet_height": positive,
}

func positive(v Value) error {
	if d, ok := v.(Double); ok && !(float64(d) > 0) {
		return fmt.Errorf("%w: must be greater than zero", ErrInvalidValue)
	}
	return nil
}

// String values end up in CSV exports.
func noComma(v Value) error {
	if s, ok := v.(String); ok && strings.Contains(string(s), ",") {
		return fmt.Errorf("%w: commas are not allowed", ErrInvalidValue)
	}
	return nil
}

// Store is the metadata part of the index.
type Store interface {
	InsertFieldIfMissing(ctx context.Context, f storage.FieldRow) error
	UpsertField(ctx context.Context, f storage.FieldRow) error
	GetField(ctx context.Context, name string) (storage.FieldRow, error)
	ListFields(ctx context.Context) ([]storage.FieldRow, error)
	DeleteField(ctx context.Context, name string) error
	RenameField(ctx context.Context, oldName, newName string) error
	SetValue(ctx context.Context, sessionID int64, field string, value *string) error
	Values(ctx context.Context, sessionID int64) (map[string]string, error)
}

// Sessions is the subset of the repository the default entries touch.
type Sessions interface {
	GetSession(ctx context.Context, id int64) (storage.SessionRow, error)
	RenameSession(ctx context.Context, id int64, name string) error
	UpdateLocation(ctx context.Context, id int64, lat, lon float64) error
}

type Service struct {
	store    Store
	sessions Sessions
	device   string
	log      logx.Logger
}

// New returns a metadata service. device is reported as the device entry.
func New(store Store, sessions Sessions, device string, log logx.Logger) *Service {
	return &Service{store: store, sessions: sessions, device: device, log: log.Component("metadata")}
}

// Prepopulate registers the builtin fields that are missing.
func (s *Service) Prepopulate(ctx context.Context) error {
	for _, f := range Builtin {
		if err := s.store.InsertFieldIfMissing(ctx, storage.FieldRow{Name: f.Name, Type: string(f.Type), Builtin: true}); err != nil {
			return fmt.Errorf("register builtin field %s: %w", f.Name, err)
		}
	}
	return nil
}

func fieldName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrInvalidField
	}
	if reserved[name] {
		return "", fmt.Errorf("%w: %s", ErrFieldConflicts, name)
	}
	return name, nil
}

// AddField registers a user field.
func (s *Service) AddField(ctx context.Context, name string, t Type) (Field, error) {
	name, err := fieldName(name)
	if err != nil {
		return Field{}, err
	}
	if cur, err := s.store.GetField(ctx, name); err == nil && cur.Builtin {
		return Field{}, fmt.Errorf("%w: %s", ErrBuiltinField, name)
	}
	if err := s.store.UpsertField(ctx, storage.FieldRow{Name: name, Type: string(t)}); err != nil {
		return Field{}, err
	}
	s.log.Info("metadata field added", logx.String("field", name), logx.String("type", string(t)))
	return Field{Name: name, Type: t}, nil
}

func (s *Service) field(ctx context.Context, name string) (Field, error) {
	row, err := s.store.GetField(ctx, strings.TrimSpace(name))
	if errors.Is(err, storage.ErrNotFound) {
		return Field{}, fmt.Errorf("%w: %s", ErrUnknownField, name)
	}
	if err != nil {
		return Field{}, err
	}
	t, err := ParseType(row.Type)
	if err != nil {
		return Field{}, err
	}
	return Field{Name: row.Name, Type: t, Builtin: row.Builtin}, nil
}

// DeleteField removes a user field and every value stored for it.
func (s *Service) DeleteField(ctx context.Context, name string) error {
	f, err := s.field(ctx, name)
	if err != nil {
		return err
	}
	if f.Builtin {
		return fmt.Errorf("%w: %s", ErrBuiltinField, f.Name)
	}
	return s.store.DeleteField(ctx, f.Name)
}

// RenameField renames a user field; stored values keep their field.
func (s *Service) RenameField(ctx context.Context, oldName, newName string) error {
	f, err := s.field(ctx, oldName)
	if err != nil {
		return err
	}
	if f.Builtin {
		return fmt.Errorf("%w: %s", ErrBuiltinField, f.Name)
	}
	newName, err = fieldName(newName)
	if err != nil {
		return err
	}
	return s.store.RenameField(ctx, f.Name, newName)
}

func (s *Service) Fields(ctx context.Context) ([]Field, error) {
	rows, err := s.store.ListFields(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Field, 0, len(rows))
	for _, r := range rows {
		t, err := ParseType(r.Type)
		if err != nil {
			s.log.Warn("skipping field with unknown type", logx.String("field", r.Name), logx.Err(err))
			continue
		}
		out = append(out, Field{Name: r.Name, Type: t, Builtin: r.Builtin})
	}
	return out, nil
}

// Set stores v for a registered field. A nil v clears the value.
func (s *Service) Set(ctx context.Context, sessionID int64, name string, v Value) error {
	f, err := s.field(ctx, name)
	if err != nil {
		return err
	}
	if v == nil {
		return s.store.SetValue(ctx, sessionID, f.Name, nil)
	}
	if v.Type() != f.Type {
		return fmt.Errorf("%w: %s is %s, got %s", ErrTypeMismatch, f.Name, f.Type, v.Type())
	}
	if err := noComma(v); err != nil {
		return err
	}
	if check := validators[f.Name]; check != nil {
		if err := check(v); err != nil {
			return fmt.Errorf("%s: %w", f.Name, err)
		}
	}
	raw := v.Encode()
	return s.store.SetValue(ctx, sessionID, f.Name, &raw)
}

// Get returns the value of a registered field; ok is false when unset.
func (s *Service) Get(ctx context.Context, sessionID int64, name string) (v Value, ok bool, err error) {
	f, err := s.field(ctx, name)
	if err != nil {
		return nil, false, err
	}
	vals, err := s.store.Values(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	raw, ok := vals[f.Name]
	if !ok {
		return nil, false, nil
	}
	v, err = Parse(f.Type, raw)
	return v, err == nil, err
}

// Entry is one row of a session's metadata sheet.
type Entry struct {
	Name     string `json:"name"`
	Type     Type   `json:"type"`
	Value    Value  `json:"-"`
	ReadOnly bool   `json:"read_only,omitempty"`
	Builtin  bool   `json:"builtin,omitempty"`
	User     bool   `json:"user,omitempty"`
}

func (e Entry) MarshalJSON() ([]byte, error) {
	type plain Entry
	return json.Marshal(struct {
		plain
		Value any `json:"value"`
	}{plain(e), JSON(e.Value)})
}

// Entries lists the default entries followed by builtin and user fields.
func (s *Service) Entries(ctx context.Context, sessionID int64) ([]Entry, error) {
	sess, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	out := []Entry{
		{Name: EntryName, Type: TypeString, Value: String(sess.Name)},
		{Name: EntryLatitude, Type: TypeDouble, Value: optDouble(sess.Latitude)},
		{Name: EntryLongitude, Type: TypeDouble, Value: optDouble(sess.Longitude)},
		{Name: EntryInterval, Type: TypeString, Value: String(sess.Interval.String()), ReadOnly: true},
		{Name: EntryStarted, Type: TypeString, Value: String(sess.Started.Format(time.RFC3339)), ReadOnly: true},
		{Name: EntryCompleted, Type: TypeString, Value: optTime(sess.Completed), ReadOnly: true},
		{Name: EntryDevice, Type: TypeString, Value: String(s.device), ReadOnly: true},
	}

	fields, err := s.Fields(ctx)
	if err != nil {
		return nil, err
	}
	vals, err := s.store.Values(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for _, f := range fields {
		e := Entry{Name: f.Name, Type: f.Type, Builtin: f.Builtin, User: !f.Builtin}
		if raw, ok := vals[f.Name]; ok {
			if v, err := Parse(f.Type, raw); err == nil {
				e.Value = v
			} else {
				s.log.Warn("stored metadata value does not parse", logx.String("field", f.Name), logx.Err(err))
			}
		}
		out = append(out, e)
	}
	return out, nil
}

func optDouble(p *float64) Value {
	if p == nil {
		return nil
	}
	return Double(*p)
}

func optTime(p *time.Time) Value {
	if p == nil {
		return nil
	}
	return String(p.Format(time.RFC3339))
}

// Update is an edit to one entry of a session's metadata.
type Update struct {
	SessionID int64
	Field     string
	Value     Value
}

// Apply validates and persists u. Default entries route to the session
// record; everything else is a field value.
func (s *Service) Apply(ctx context.Context, u Update) error {
	switch name := strings.TrimSpace(u.Field); name {
	case EntryName:
		v, ok := u.Value.(String)
		if !ok {
			return fmt.Errorf("%w: name must be a string", ErrTypeMismatch)
		}
		return s.sessions.RenameSession(ctx, u.SessionID, string(v))
	case EntryLatitude, EntryLongitude:
		return s.applyLocation(ctx, u.SessionID, name, u.Value)
	case EntryInterval, EntryStarted, EntryCompleted, EntryDevice:
		return fmt.Errorf("%w: %s", ErrReadOnly, name)
	default:
		return s.Set(ctx, u.SessionID, name, u.Value)
	}
}

func (s *Service) applyLocation(ctx context.Context, sessionID int64, name string, v Value) error {
	d, ok := v.(Double)
	if !ok {
		return fmt.Errorf("%w: %s must be a double", ErrTypeMismatch, name)
	}
	limit := 90.0
	if name == EntryLongitude {
		limit = 180
	}
	if math.IsNaN(float64(d)) || math.Abs(float64(d)) > limit {
		return fmt.Errorf("%w: %s %v outside [-%v, %v]", ErrInvalidValue, name, float64(d), limit, limit)
	}
	sess, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	var lat, lon float64
	if sess.Latitude != nil {
		lat = *sess.Latitude
	}
	if sess.Longitude != nil {
		lon = *sess.Longitude
	}
	if name == EntryLatitude {
		lat = float64(d)
	} else {
		lon = float64(d)
	}
	return s.sessions.UpdateLocation(ctx, sessionID, lat, lon)
}

// ParseUpdate builds an Update from text input, typing raw by the entry
// it targets. Empty raw clears a field value.
func (s *Service) ParseUpdate(ctx context.Context, sessionID int64, field, raw string) (Update, error) {
	name := strings.TrimSpace(field)
	u := Update{SessionID: sessionID, Field: name}
	var t Type
	switch name {
	case EntryName, EntryInterval, EntryStarted, EntryCompleted, EntryDevice:
		t = TypeString
	case EntryLatitude, EntryLongitude:
		t = TypeDouble
	default:
		f, err := s.field(ctx, name)
		if err != nil {
			return Update{}, err
		}
		if strings.TrimSpace(raw) == "" {
			return u, nil
		}
		t = f.Type
	}
	v, err := Parse(t, raw)
	if err != nil {
		return Update{}, err
	}
	u.Value = v
	return u, nil
}
