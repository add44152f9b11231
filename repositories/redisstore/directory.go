package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/upb/assistant-auth-gateway/models"
	"github.com/upb/assistant-auth-gateway/repositories"
)

const (
	mappingKeyPrefix = "user_mapping:"
	reverseKeyPrefix = "reverse_mapping:"
	mappingIndexKey  = "user_mappings:index"

	maxUpdateRetries = 5
)

// Directory implements repositories.IdentityDirectory on Redis hashes.
// Each mapping lives in user_mapping:{external_id}; reverse_mapping:{local_id}
// points back to the external id and a set indexes every external id.
type Directory struct {
	rdb    redis.UniversalClient
	now    func() time.Time
	logger *zap.Logger
}

// NewDirectory creates a Redis-backed identity directory
func NewDirectory(rdb redis.UniversalClient, logger *zap.Logger) *Directory {
	return &Directory{rdb: rdb, now: time.Now, logger: logger}
}

func mappingKey(externalID string) string { return mappingKeyPrefix + externalID }
func reverseKey(localID string) string    { return reverseKeyPrefix + localID }

// GetMapping returns the mapping for externalID, or nil when absent
func (d *Directory) GetMapping(ctx context.Context, externalID string) (*models.IdentityMapping, error) {
	fields, err := d.rdb.HGetAll(ctx, mappingKey(externalID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get mapping: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return decodeMapping(externalID, fields)
}

// GetMappingByLocalID follows the reverse key
func (d *Directory) GetMappingByLocalID(ctx context.Context, localID string) (*models.IdentityMapping, error) {
	externalID, err := d.rdb.Get(ctx, reverseKey(localID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reverse mapping: %w", err)
	}
	return d.GetMapping(ctx, externalID)
}

// CreateOrUpdateMapping upserts the mapping and keeps the reverse key in step.
// The upsert runs under WATCH on the mapping and the reverse key of its local id,
// so a local id never ends up owned by two external ids.
func (d *Directory) CreateOrUpdateMapping(ctx context.Context, mapping *models.IdentityMapping) error {
	key := mappingKey(mapping.ExternalID)
	owned := reverseKey(mapping.LocalID)

	txf := func(tx *redis.Tx) error {
		owner, err := tx.Get(ctx, owned).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if owner != "" && owner != mapping.ExternalID {
			return repositories.ErrDuplicateLocalID
		}

		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		var existing *models.IdentityMapping
		if len(fields) > 0 {
			if existing, err = decodeMapping(mapping.ExternalID, fields); err != nil {
				return err
			}
		}

		now := d.now().UTC()
		if existing != nil && !existing.CreatedAt.IsZero() {
			mapping.CreatedAt = existing.CreatedAt
		} else if mapping.CreatedAt.IsZero() {
			mapping.CreatedAt = now
		}
		mapping.UpdatedAt = now

		encoded, err := encodeMapping(mapping)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.HSet(ctx, key, encoded)
			if existing != nil && existing.LocalID != mapping.LocalID {
				pipe.Del(ctx, reverseKey(existing.LocalID))
			}
			pipe.Set(ctx, owned, mapping.ExternalID, 0)
			pipe.SAdd(ctx, mappingIndexKey, mapping.ExternalID)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		err := d.rdb.Watch(ctx, txf, key, owned)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if errors.Is(err, repositories.ErrDuplicateLocalID) {
				return err
			}
			return fmt.Errorf("failed to store mapping: %w", err)
		}
		d.logger.Debug("identity mapping stored",
			zap.String("external_id", mapping.ExternalID),
			zap.String("local_id", mapping.LocalID))
		return nil
	}
	return fmt.Errorf("failed to store mapping: too many concurrent writers for %s", mapping.ExternalID)
}

// UpdateMapping runs fn under WATCH so concurrent role edits do not overwrite each other
func (d *Directory) UpdateMapping(ctx context.Context, externalID string, fn func(*models.IdentityMapping) error) (*models.IdentityMapping, error) {
	key := mappingKey(externalID)
	var updated *models.IdentityMapping

	txf := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return repositories.ErrNotFound
		}
		mapping, err := decodeMapping(externalID, fields)
		if err != nil {
			return err
		}
		if err := fn(mapping); err != nil {
			return err
		}
		mapping.ExternalID = externalID
		mapping.UpdatedAt = d.now().UTC()

		encoded, err := encodeMapping(mapping)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, encoded)
			return nil
		})
		if err == nil {
			updated = mapping
		}
		return err
	}

	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		err := d.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				return nil, err
			}
			return nil, fmt.Errorf("failed to update mapping: %w", err)
		}
		return updated, nil
	}
	return nil, fmt.Errorf("failed to update mapping: too many concurrent writers for %s", externalID)
}

// SetActive flips the active flag
func (d *Directory) SetActive(ctx context.Context, externalID string, active bool) error {
	_, err := d.UpdateMapping(ctx, externalID, func(m *models.IdentityMapping) error {
		m.Active = active
		return nil
	})
	return err
}

// DeleteMapping removes the mapping, its reverse key and index entry
func (d *Directory) DeleteMapping(ctx context.Context, externalID string) error {
	existing, err := d.GetMapping(ctx, externalID)
	if err != nil {
		return err
	}
	if existing == nil {
		return repositories.ErrNotFound
	}

	_, err = d.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, mappingKey(externalID))
		pipe.Del(ctx, reverseKey(existing.LocalID))
		pipe.SRem(ctx, mappingIndexKey, externalID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete mapping: %w", err)
	}
	return nil
}

// ListMappings reads every indexed mapping in one pipeline
func (d *Directory) ListMappings(ctx context.Context, activeOnly bool) ([]*models.IdentityMapping, error) {
	ids, err := d.rdb.SMembers(ctx, mappingIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list mappings: %w", err)
	}
	sort.Strings(ids)

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = d.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, mappingKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list mappings: %w", err)
	}

	mappings := make([]*models.IdentityMapping, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		m, err := decodeMapping(ids[i], fields)
		if err != nil {
			return nil, err
		}
		if activeOnly && !m.Active {
			continue
		}
		mappings = append(mappings, m)
	}
	return mappings, nil
}

// Ping checks connectivity
func (d *Directory) Ping(ctx context.Context) error {
	return d.rdb.Ping(ctx).Err()
}

func encodeMapping(m *models.IdentityMapping) (map[string]interface{}, error) {
	roles, err := json.Marshal(nonNilRoles(m.Roles))
	if err != nil {
		return nil, fmt.Errorf("failed to encode roles: %w", err)
	}
	extras, err := json.Marshal(nonNilPermissions(m.ExtraPermissions))
	if err != nil {
		return nil, fmt.Errorf("failed to encode extra permissions: %w", err)
	}
	perms, err := json.Marshal(nonNilPermissions(m.Permissions))
	if err != nil {
		return nil, fmt.Errorf("failed to encode permissions: %w", err)
	}
	metadata, err := json.Marshal(m.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}

	return map[string]interface{}{
		"local_id":          m.LocalID,
		"email":             m.Email,
		"full_name":         m.FullName,
		"directory_id":      m.DirectoryID,
		"roles":             string(roles),
		"extra_permissions": string(extras),
		"permissions":       string(perms),
		"is_active":         strconv.FormatBool(m.Active),
		"metadata":          string(metadata),
		"created_at":        m.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":        m.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}, nil
}

func decodeMapping(externalID string, fields map[string]string) (*models.IdentityMapping, error) {
	m := &models.IdentityMapping{
		ExternalID:  externalID,
		LocalID:     fields["local_id"],
		Email:       fields["email"],
		FullName:    fields["full_name"],
		DirectoryID: fields["directory_id"],
	}

	if err := unmarshalField(fields, "roles", &m.Roles); err != nil {
		return nil, err
	}
	if err := unmarshalField(fields, "extra_permissions", &m.ExtraPermissions); err != nil {
		return nil, err
	}
	if err := unmarshalField(fields, "permissions", &m.Permissions); err != nil {
		return nil, err
	}
	if err := unmarshalField(fields, "metadata", &m.Metadata); err != nil {
		return nil, err
	}

	active, err := strconv.ParseBool(fields["is_active"])
	if err != nil {
		return nil, fmt.Errorf("corrupt mapping %s: is_active: %w", externalID, err)
	}
	m.Active = active

	if m.CreatedAt, err = parseTime(fields["created_at"]); err != nil {
		return nil, fmt.Errorf("corrupt mapping %s: created_at: %w", externalID, err)
	}
	if m.UpdatedAt, err = parseTime(fields["updated_at"]); err != nil {
		return nil, fmt.Errorf("corrupt mapping %s: updated_at: %w", externalID, err)
	}
	return m, nil
}

func unmarshalField(fields map[string]string, name string, dst interface{}) error {
	raw, ok := fields[name]
	if !ok || raw == "" || raw == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("corrupt mapping field %s: %w", name, err)
	}
	return nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func nonNilRoles(r []models.Role) []models.Role {
	if r == nil {
		return []models.Role{}
	}
	return r
}

func nonNilPermissions(p []models.Permission) []models.Permission {
	if p == nil {
		return []models.Permission{}
	}
	return p
}
