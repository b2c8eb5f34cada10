package models

import (
	"context"
	"errors"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

var ErrNoLatestVersion = errors.New("model metadata has no latest version")

// MetadataAPI fetches the raw model metadata document for owner/name.
type MetadataAPI interface {
	GetModel(ctx context.Context, owner, name string) ([]byte, error)
}

// Resolver pins symbolic references to concrete versions.
type Resolver struct {
	api    MetadataAPI
	cache  VersionCache
	logger *zap.Logger
}

func NewResolver(api MetadataAPI, cache VersionCache, logger *zap.Logger) *Resolver {
	if cache == nil {
		cache = NewMemoryCache()
	}
	return &Resolver{api: api, cache: cache, logger: logger.Named("resolver")}
}

// Resolve returns ref with its version populated. Lookup failures are not
// returned: the unversioned reference comes back instead so that the
// provider reports the real problem on submission.
func (r *Resolver) Resolve(ctx context.Context, ref Reference) (Reference, error) {
	if ref.Versioned() {
		return ref, nil
	}
	log := r.logger.Sugar()

	key := ref.Key()
	if cached, ok, err := r.cache.Get(ctx, key); err != nil {
		log.Warnw("version cache read failed", "model", key, "error", err)
	} else if ok {
		return cached, nil
	}

	resolved, err := r.lookup(ctx, ref)
	if err != nil {
		if ctx.Err() != nil {
			return ref, ctx.Err()
		}
		log.Warnw("failed to resolve model version, submitting unversioned", "model", key, "error", err)
		return ref, nil
	}

	if err := r.cache.Set(ctx, key, resolved); err != nil {
		log.Warnw("version cache write failed", "model", key, "error", err)
	}
	log.Infow("resolved model version", "model", key, "version", resolved.Version)
	return resolved, nil
}

func (r *Resolver) lookup(ctx context.Context, ref Reference) (Reference, error) {
	body, err := r.api.GetModel(ctx, ref.Owner, ref.Name)
	if err != nil {
		return ref, err
	}
	id := gjson.GetBytes(body, "latest_version.id")
	if id.Type != gjson.String || id.Str == "" {
		return ref, ErrNoLatestVersion
	}
	resolved := Reference{Owner: ref.Owner, Name: ref.Name, Version: id.Str}

	if schema := gjson.GetBytes(body, "latest_version.openapi_schema"); schema.IsObject() {
		doc, err := openapi3.NewLoader().LoadFromData([]byte(schema.Raw))
		if err != nil {
			r.logger.Sugar().Debugw("ignoring unreadable openapi schema", "model", ref.Key(), "error", err)
		} else {
			resolved.Schema = doc
		}
	}
	return resolved, nil
}
