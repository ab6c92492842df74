package profile

import (
	"database/sql"
	"encoding/json"
	"errors"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DBPair interface for dependency injection (matches db.DBPair).
type DBPair interface {
	Reader() *sql.DB
	Writer() *sql.DB
}

// CreateProfileInput is the payload for creating a profile.
type CreateProfileInput struct {
	Name                    string         `json:"name"`
	Identification          Identification `json:"identification"`
	SupportedMediaTypes     []string       `json:"supported_media_types"`
	DirectPlayTypes         []string       `json:"direct_play_types"`
	RequiresEscapedMetadata bool           `json:"requires_escaped_metadata"`
	ProtocolInfo            string         `json:"protocol_info,omitempty"`
}

// UpdateProfileInput carries partial updates; nil fields keep their value.
type UpdateProfileInput struct {
	Name                    *string         `json:"name,omitempty"`
	Identification          *Identification `json:"identification,omitempty"`
	SupportedMediaTypes     []string        `json:"supported_media_types,omitempty"`
	DirectPlayTypes         []string        `json:"direct_play_types,omitempty"`
	RequiresEscapedMetadata *bool           `json:"requires_escaped_metadata,omitempty"`
	ProtocolInfo            *string         `json:"protocol_info,omitempty"`
}

// Repository handles database operations for profiles.
// Uses separate reader/writer connections for optimal SQLite concurrency.
// Resolution results are cached per device UUID so the hot discovery path
// does not hit the database on every SSDP sighting.
type Repository struct {
	reader *sql.DB // For SELECT queries
	writer *sql.DB // For INSERT/UPDATE/DELETE

	mu       sync.Mutex
	resolved map[string]*Profile // device UUID -> profile
}

// NewRepository creates a new Repository.
func NewRepository(dbPair DBPair) *Repository {
	return &Repository{
		reader:   dbPair.Reader(),
		writer:   dbPair.Writer(),
		resolved: make(map[string]*Profile),
	}
}

// Create creates a new profile.
func (r *Repository) Create(input CreateProfileInput) (*Profile, error) {
	return r.insert(input, false)
}

func (r *Repository) insert(input CreateProfileInput, autoCreated bool) (*Profile, error) {
	profileID := uuid.New().String()
	now := nowISO()

	identJSON, err := json.Marshal(input.Identification)
	if err != nil {
		return nil, err
	}
	supportedJSON, err := json.Marshal(orEmpty(input.SupportedMediaTypes))
	if err != nil {
		return nil, err
	}
	directJSON, err := json.Marshal(orEmpty(input.DirectPlayTypes))
	if err != nil {
		return nil, err
	}

	_, err = r.writer.Exec(`
		INSERT INTO dlna_profiles (profile_id, name, identification, supported_media_types, direct_play_types, requires_escaped_metadata, protocol_info, auto_created, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, profileID, input.Name, string(identJSON), string(supportedJSON), string(directJSON),
		boolInt(input.RequiresEscapedMetadata), nullable(input.ProtocolInfo), boolInt(autoCreated), now, now)
	if err != nil {
		return nil, err
	}

	return r.GetByID(profileID)
}

// GetByID retrieves a profile by ID. Returns nil when not found.
func (r *Repository) GetByID(profileID string) (*Profile, error) {
	row := r.reader.QueryRow(`
		SELECT profile_id, name, identification, supported_media_types, direct_play_types, requires_escaped_metadata, protocol_info, auto_created, created_at, updated_at
		FROM dlna_profiles
		WHERE profile_id = ?
	`, profileID)

	return scanProfile(row)
}

// List retrieves all profiles, newest first.
func (r *Repository) List() ([]Profile, error) {
	rows, err := r.reader.Query(`
		SELECT profile_id, name, identification, supported_media_types, direct_play_types, requires_escaped_metadata, protocol_info, auto_created, created_at, updated_at
		FROM dlna_profiles
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []Profile
	for rows.Next() {
		p, err := scanProfileRows(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if profiles == nil {
		profiles = []Profile{}
	}
	return profiles, nil
}

// Update updates a profile. Returns nil when the profile does not exist.
func (r *Repository) Update(profileID string, input UpdateProfileInput) (*Profile, error) {
	existing, err := r.GetByID(profileID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, nil
	}

	name := existing.Name
	if input.Name != nil {
		name = *input.Name
	}
	ident := existing.Identification
	if input.Identification != nil {
		ident = *input.Identification
	}
	supported := existing.SupportedMediaTypes
	if input.SupportedMediaTypes != nil {
		supported = input.SupportedMediaTypes
	}
	direct := existing.DirectPlayTypes
	if input.DirectPlayTypes != nil {
		direct = input.DirectPlayTypes
	}
	escaped := existing.RequiresEscapedMetadata
	if input.RequiresEscapedMetadata != nil {
		escaped = *input.RequiresEscapedMetadata
	}
	protocolInfo := existing.ProtocolInfo
	if input.ProtocolInfo != nil {
		protocolInfo = *input.ProtocolInfo
	}

	identJSON, err := json.Marshal(ident)
	if err != nil {
		return nil, err
	}
	supportedJSON, err := json.Marshal(orEmpty(supported))
	if err != nil {
		return nil, err
	}
	directJSON, err := json.Marshal(orEmpty(direct))
	if err != nil {
		return nil, err
	}

	_, err = r.writer.Exec(`
		UPDATE dlna_profiles
		SET name = ?, identification = ?, supported_media_types = ?, direct_play_types = ?, requires_escaped_metadata = ?, protocol_info = ?, updated_at = ?
		WHERE profile_id = ?
	`, name, string(identJSON), string(supportedJSON), string(directJSON),
		boolInt(escaped), nullable(protocolInfo), nowISO(), profileID)
	if err != nil {
		return nil, err
	}

	// An edited profile may claim different devices now.
	r.mu.Lock()
	r.resolved = make(map[string]*Profile)
	r.mu.Unlock()

	return r.GetByID(profileID)
}

// Delete deletes a profile.
func (r *Repository) Delete(profileID string) error {
	result, err := r.writer.Exec("DELETE FROM dlna_profiles WHERE profile_id = ?", profileID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}

	r.mu.Lock()
	for deviceUUID, p := range r.resolved {
		if p.ID == profileID {
			delete(r.resolved, deviceUUID)
		}
	}
	r.mu.Unlock()
	return nil
}

// Resolve finds the profile whose identification claims the device. With
// autoCreate set, an unmatched device gets a profile derived from its own
// identity so later edits stick to it.
func (r *Repository) Resolve(info DeviceInfo, protocolInfo string, autoCreate bool) (*Profile, error) {
	r.mu.Lock()
	if cached, ok := r.resolved[info.UUID]; ok {
		r.mu.Unlock()
		return cached, nil
	}
	r.mu.Unlock()

	profiles, err := r.List()
	if err != nil {
		return nil, err
	}
	for i := range profiles {
		if profiles[i].Matches(info) {
			r.cache(info.UUID, &profiles[i])
			return &profiles[i], nil
		}
	}

	if !autoCreate {
		return nil, nil
	}

	created, err := r.insert(autoProfileFor(info, protocolInfo), true)
	if err != nil {
		return nil, err
	}
	r.cache(info.UUID, created)
	return created, nil
}

// Evict drops the cached resolution for a device, typically on byebye.
func (r *Repository) Evict(deviceUUID string) {
	r.mu.Lock()
	delete(r.resolved, deviceUUID)
	r.mu.Unlock()
}

func (r *Repository) cache(deviceUUID string, p *Profile) {
	if deviceUUID == "" {
		return
	}
	r.mu.Lock()
	r.resolved[deviceUUID] = p
	r.mu.Unlock()
}

// autoProfileFor derives an identification that matches exactly this device.
func autoProfileFor(info DeviceInfo, protocolInfo string) CreateProfileInput {
	name := info.FriendlyName
	if name == "" {
		name = info.ModelName
	}
	if name == "" {
		name = "Unknown Device"
	}

	ident := Identification{}
	if info.FriendlyName != "" {
		ident.FriendlyName = exactPattern(info.FriendlyName)
	} else if info.ModelName != "" {
		ident.ModelName = exactPattern(info.ModelName)
	}

	return CreateProfileInput{
		Name:                name,
		Identification:      ident,
		SupportedMediaTypes: []string{"Audio", "Video", "Photo"},
		DirectPlayTypes:     []string{"Audio", "Video", "Photo"},
		ProtocolInfo:        protocolInfo,
	}
}

func exactPattern(value string) string {
	return "^" + regexp.QuoteMeta(value) + "$"
}

func scanProfile(row *sql.Row) (*Profile, error) {
	var p Profile
	var identJSON, supportedJSON, directJSON string
	var escaped, autoCreated int
	var protocolInfo sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&p.ID, &p.Name, &identJSON, &supportedJSON, &directJSON,
		&escaped, &protocolInfo, &autoCreated, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return parseProfile(&p, identJSON, supportedJSON, directJSON, escaped, autoCreated, protocolInfo, createdAt, updatedAt)
}

func scanProfileRows(rows *sql.Rows) (*Profile, error) {
	var p Profile
	var identJSON, supportedJSON, directJSON string
	var escaped, autoCreated int
	var protocolInfo sql.NullString
	var createdAt, updatedAt string

	err := rows.Scan(&p.ID, &p.Name, &identJSON, &supportedJSON, &directJSON,
		&escaped, &protocolInfo, &autoCreated, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	return parseProfile(&p, identJSON, supportedJSON, directJSON, escaped, autoCreated, protocolInfo, createdAt, updatedAt)
}

func parseProfile(p *Profile, identJSON, supportedJSON, directJSON string, escaped, autoCreated int, protocolInfo sql.NullString, createdAt, updatedAt string) (*Profile, error) {
	if err := json.Unmarshal([]byte(identJSON), &p.Identification); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(supportedJSON), &p.SupportedMediaTypes); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(directJSON), &p.DirectPlayTypes); err != nil {
		return nil, err
	}
	p.RequiresEscapedMetadata = escaped != 0
	p.AutoCreated = autoCreated != 0
	if protocolInfo.Valid {
		p.ProtocolInfo = protocolInfo.String
	}

	var err error
	p.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		p.CreatedAt, _ = time.Parse("2006-01-02 15:04:05", createdAt)
	}
	p.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		p.UpdatedAt, _ = time.Parse("2006-01-02 15:04:05", updatedAt)
	}
	return p, nil
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func orEmpty(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
