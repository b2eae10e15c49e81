package settings

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"

	"fleet-risk/internal/botconfig"
	"fleet-risk/internal/clock"
	"fleet-risk/internal/common"
)

var (
	ErrInvalid         = errors.New("invalid settings")
	ErrUnknownInstance = errors.New("unknown bot instance")
)

// strict rejects patch keys that do not exist so typos surface to the caller.
var strict = jsoniter.Config{
	EscapeHTML:             true,
	ValidateJsonRawMessage: true,
	DisallowUnknownFields:  true,
}.Froze()

var lenient = jsoniter.ConfigCompatibleWithStandardLibrary

// Repository reads and writes the settings and feature sub-documents of a bot
// instance. Every call goes back to storage; nothing is cached.
type Repository interface {
	Load(instanceID string) (UniversalSettings, error)
	Update(instanceID string, patch Patch) (UniversalSettings, error)
	Reset(instanceID string) (UniversalSettings, error)
	LoadFeatures(instanceID string) (FeatureSet, error)
	UpdateFeatures(instanceID string, patch []byte) (FeatureSet, error)
	ResetFeatures(instanceID string) (FeatureSet, error)
}

// Locator resolves an instance id to the path of its config file.
type Locator interface {
	ConfigPath(instanceID string) (string, error)
}

// StaticLocator is a fixed instance id to path table.
type StaticLocator map[string]string

func (l StaticLocator) ConfigPath(instanceID string) (string, error) {
	p, ok := l[instanceID]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownInstance, instanceID)
	}
	return p, nil
}

// FileRepository stores both sub-documents inside the bot's own config file.
type FileRepository struct {
	store   *botconfig.Store
	locator Locator
	clock   clock.Clock
}

var _ Repository = (*FileRepository)(nil)

func NewFileRepository(store *botconfig.Store, locator Locator, clk clock.Clock) *FileRepository {
	if clk == nil {
		clk = clock.Real()
	}
	return &FileRepository{store: store, locator: locator, clock: clk}
}

// Load never fails on a missing or unreadable file; it returns defaults.
func (r *FileRepository) Load(instanceID string) (UniversalSettings, error) {
	path, err := r.locator.ConfigPath(instanceID)
	if err != nil {
		return UniversalSettings{}, err
	}
	doc, err := r.store.Read(path)
	if err != nil {
		log.Debug().Err(err).Str("instance", instanceID).Msg("Config file unavailable, using default settings")
		return Defaults(), nil
	}
	return decodeSettings(instanceID, doc), nil
}

func decodeSettings(instanceID string, doc *botconfig.Document) UniversalSettings {
	var st stored
	if _, err := doc.Get(common.SettingsKey, &st); err != nil {
		log.Warn().Err(err).Str("instance", instanceID).Msg("Stored settings malformed, using defaults")
		return Defaults()
	}
	return st.merge(Defaults())
}

func (r *FileRepository) Update(instanceID string, patch Patch) (UniversalSettings, error) {
	if err := patch.Validate(); err != nil {
		return UniversalSettings{}, err
	}
	return r.writeSettings(instanceID, func(cur UniversalSettings) UniversalSettings {
		return patch.Apply(cur)
	})
}

// Reset restores defaults but keeps the creation time and version history.
func (r *FileRepository) Reset(instanceID string) (UniversalSettings, error) {
	return r.writeSettings(instanceID, func(cur UniversalSettings) UniversalSettings {
		s := Defaults()
		s.Version = cur.Version
		s.CreatedAt = cur.CreatedAt
		return s
	})
}

func (r *FileRepository) writeSettings(instanceID string, change func(UniversalSettings) UniversalSettings) (UniversalSettings, error) {
	path, err := r.locator.ConfigPath(instanceID)
	if err != nil {
		return UniversalSettings{}, err
	}

	var out UniversalSettings
	err = r.store.Update(path, func(doc *botconfig.Document) error {
		now := r.clock.Now().UTC()
		s := change(decodeSettings(instanceID, doc)).normalize()
		s.Version++
		if s.CreatedAt.IsZero() {
			s.CreatedAt = now
		}
		s.UpdatedAt = now
		out = s
		return doc.Set(common.SettingsKey, s)
	})
	if err != nil {
		return UniversalSettings{}, fmt.Errorf("update settings for %s: %w", instanceID, err)
	}
	log.Info().
		Str("instance", instanceID).
		Int("riskLevel", out.RiskLevel).
		Int("version", out.Version).
		Msg("Universal settings updated")
	return out, nil
}

func (r *FileRepository) LoadFeatures(instanceID string) (FeatureSet, error) {
	path, err := r.locator.ConfigPath(instanceID)
	if err != nil {
		return FeatureSet{}, err
	}
	doc, err := r.store.Read(path)
	if err != nil {
		log.Debug().Err(err).Str("instance", instanceID).Msg("Config file unavailable, using default features")
		return DefaultFeatures(), nil
	}
	return decodeFeatures(instanceID, doc), nil
}

// decodeFeatures overlays the stored document on the defaults, so a module or
// field absent from the file keeps its default.
func decodeFeatures(instanceID string, doc *botconfig.Document) FeatureSet {
	fs := DefaultFeatures()
	raw, ok := doc.Raw(common.FeaturesKey)
	if !ok {
		return fs
	}
	if err := overlayFeatures(lenient, raw, &fs); err != nil {
		log.Warn().Err(err).Str("instance", instanceID).Msg("Stored features malformed, using defaults")
		return DefaultFeatures()
	}
	return fs
}

// overlayFeatures decodes raw over fs. Scalars and lists present in raw
// replace the current value; a map present in raw replaces the current map
// as a whole instead of adding keys to it.
func overlayFeatures(api jsoniter.API, raw []byte, fs *FeatureSet) error {
	if api.Get(raw, "positionLimits", "correlationGroups").ValueType() != jsoniter.InvalidValue {
		fs.PositionLimits.CorrelationGroups = nil
	}
	return api.Unmarshal(raw, fs)
}

// UpdateFeatures applies a partial JSON document, e.g.
// {"trailingStop":{"enabled":true}}, over the current feature set.
func (r *FileRepository) UpdateFeatures(instanceID string, patch []byte) (FeatureSet, error) {
	return r.writeFeatures(instanceID, func(cur FeatureSet) (FeatureSet, error) {
		version, updated := cur.Version, cur.UpdatedAt
		if err := overlayFeatures(strict, patch, &cur); err != nil {
			return cur, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		cur.Version, cur.UpdatedAt = version, updated
		return cur, cur.Validate()
	})
}

func (r *FileRepository) ResetFeatures(instanceID string) (FeatureSet, error) {
	return r.writeFeatures(instanceID, func(cur FeatureSet) (FeatureSet, error) {
		fs := DefaultFeatures()
		fs.Version = cur.Version
		return fs, nil
	})
}

func (r *FileRepository) writeFeatures(instanceID string, change func(FeatureSet) (FeatureSet, error)) (FeatureSet, error) {
	path, err := r.locator.ConfigPath(instanceID)
	if err != nil {
		return FeatureSet{}, err
	}

	var out FeatureSet
	err = r.store.Update(path, func(doc *botconfig.Document) error {
		fs, err := change(decodeFeatures(instanceID, doc))
		if err != nil {
			return err
		}
		fs.Version++
		fs.UpdatedAt = r.clock.Now().UTC()
		out = fs
		return doc.Set(common.FeaturesKey, fs)
	})
	if err != nil {
		return FeatureSet{}, fmt.Errorf("update features for %s: %w", instanceID, err)
	}
	log.Info().Str("instance", instanceID).Int("version", out.Version).Msg("Feature set updated")
	return out, nil
}
