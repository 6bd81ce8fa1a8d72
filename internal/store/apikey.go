package store

import (
	"database/sql"
	"encoding/json"

	sq "github.com/Masterminds/squirrel"
	"github.com/pkg/errors"

	"github.com/relaycore/relay/model"
)

const apiKeyTable = "ApiKey"

var apiKeySelect = sq.
	Select("ID", "Name", "KeyHash", "ScopesRaw", "IsActive", "RevokedAt", "ExpiresAt",
		"RateLimit", "LastUsedAt", "CreateAt").
	From(apiKeyTable)

type rawAPIKey struct {
	*model.APIKey
	ScopesRaw []byte
}

type rawAPIKeys []*rawAPIKey

func (r *rawAPIKey) toAPIKey() (*model.APIKey, error) {
	err := json.Unmarshal(r.ScopesRaw, &r.APIKey.Scopes)
	if err != nil {
		return nil, errors.Wrap(err, "unable to unmarshal Scopes")
	}

	return r.APIKey, nil
}

func (rk *rawAPIKeys) toAPIKeys() ([]*model.APIKey, error) {
	keys := make([]*model.APIKey, 0, len(*rk))
	for _, raw := range *rk {
		key, err := raw.toAPIKey()
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}

	return keys, nil
}

// CreateAPIKey records the given credential, assigning it an ID and admission time.
func (sqlStore *SQLStore) CreateAPIKey(key *model.APIKey) error {
	key.ID = model.NewAPIKeyID()
	key.CreateAt = model.GetMillis()

	scopesRaw, err := json.Marshal(key.Scopes)
	if err != nil {
		return errors.Wrap(err, "unable to marshal Scopes")
	}

	_, err = sqlStore.execBuilder(sqlStore.db, sq.
		Insert(apiKeyTable).
		SetMap(map[string]interface{}{
			"ID":         key.ID,
			"Name":       key.Name,
			"KeyHash":    key.KeyHash,
			"ScopesRaw":  scopesRaw,
			"IsActive":   key.IsActive,
			"RevokedAt":  key.RevokedAt,
			"ExpiresAt":  key.ExpiresAt,
			"RateLimit":  key.RateLimit,
			"LastUsedAt": key.LastUsedAt,
			"CreateAt":   key.CreateAt,
		}),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create api key")
	}

	return nil
}

// GetAPIKey fetches the given credential by id.
func (sqlStore *SQLStore) GetAPIKey(id string) (*model.APIKey, error) {
	var raw rawAPIKey
	err := sqlStore.getBuilder(sqlStore.db, &raw, apiKeySelect.Where("ID = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get api key by id")
	}

	return raw.toAPIKey()
}

// GetAPIKeyByHash fetches the credential matching the given key hash.
func (sqlStore *SQLStore) GetAPIKeyByHash(keyHash string) (*model.APIKey, error) {
	var raw rawAPIKey
	err := sqlStore.getBuilder(sqlStore.db, &raw, apiKeySelect.Where("KeyHash = ?", keyHash))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get api key by hash")
	}

	return raw.toAPIKey()
}

// GetAPIKeys fetches all credentials ordered newest first.
func (sqlStore *SQLStore) GetAPIKeys() ([]*model.APIKey, error) {
	var raws rawAPIKeys
	err := sqlStore.selectBuilder(sqlStore.db, &raws, apiKeySelect.OrderBy("CreateAt DESC"))
	if err != nil {
		return nil, errors.Wrap(err, "failed to query for api keys")
	}

	return raws.toAPIKeys()
}

// RevokeAPIKey marks the given credential as revoked.
func (sqlStore *SQLStore) RevokeAPIKey(id string) error {
	result, err := sqlStore.execBuilder(sqlStore.db, sq.
		Update(apiKeyTable).
		SetMap(map[string]interface{}{
			"IsActive":  false,
			"RevokedAt": model.GetMillis(),
		}).
		Where("ID = ?", id).
		Where("RevokedAt = 0"),
	)
	if err != nil {
		return errors.Wrap(err, "failed to revoke api key")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to count rows affected")
	}
	if rows == 0 {
		return errors.New("api key not found or already revoked")
	}

	return nil
}

// TouchAPIKey records the credential's most recent use. Best effort.
func (sqlStore *SQLStore) TouchAPIKey(id string) error {
	_, err := sqlStore.execBuilder(sqlStore.db, sq.
		Update(apiKeyTable).
		Set("LastUsedAt", model.GetMillis()).
		Where("ID = ?", id),
	)
	if err != nil {
		return errors.Wrap(err, "failed to touch api key")
	}

	return nil
}
