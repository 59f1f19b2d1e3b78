// Package mongodb stores licenses in a MongoDB collection.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rcourtman/campus-license/pkg/licensing"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	defaultDatabase   = "campus_license"
	defaultCollection = "licenses"

	indexActiveSchool = "uniq_active_school"
	indexLicenseHex   = "uniq_license_hex"
	indexLicenseKey   = "uniq_license_key"
)

// Config selects the server and collection.
type Config struct {
	URI        string
	Database   string
	Collection string
	Timeout    time.Duration
}

// Store implements the license repository on MongoDB.
type Store struct {
	client     *mongo.Client
	collection *mongo.Collection
}

type hardwareBindingDoc struct {
	Enabled      bool     `bson:"enabled"`
	Fingerprints []string `bson:"fingerprints,omitempty"`
}

type ipRestrictionsDoc struct {
	Enabled          bool     `bson:"enabled"`
	AllowedIPs       []string `bson:"allowedIps,omitempty"`
	AllowedCountries []string `bson:"allowedCountries,omitempty"`
}

type deviceLimitDoc struct {
	Enabled    bool `bson:"enabled"`
	MaxDevices int  `bson:"maxDevices"`
}

type featureDoc struct {
	Name         string         `bson:"name"`
	Enabled      bool           `bson:"enabled"`
	Restrictions map[string]any `bson:"restrictions,omitempty"`
}

type licenseDoc struct {
	ID                 string              `bson:"_id"`
	SchoolID           string              `bson:"schoolId"`
	SchoolName         string              `bson:"schoolName"`
	LicenseKey         string              `bson:"licenseKey"`
	LicenseHash        string              `bson:"licenseHash"`
	LicenseToken       string              `bson:"licenseToken"`
	LicenseHex         string              `bson:"licenseHex,omitempty"`
	Fingerprint        string              `bson:"fingerprint"`
	Features           []featureDoc        `bson:"features"`
	IssuedAt           time.Time           `bson:"issuedAt"`
	ExpiresAt          time.Time           `bson:"expiresAt"`
	ActivatedAt        *time.Time          `bson:"activatedAt,omitempty"`
	LastChecked        *time.Time          `bson:"lastChecked,omitempty"`
	LastVerificationAt *time.Time          `bson:"lastVerificationAt,omitempty"`
	Status             string              `bson:"status"`
	ActivationStatus   string              `bson:"activationStatus"`
	ActivationAttempts int                 `bson:"activationAttempts"`
	HardwareBinding    *hardwareBindingDoc `bson:"hardwareBinding,omitempty"`
	IPRestrictions     *ipRestrictionsDoc  `bson:"ipRestrictions,omitempty"`
	DeviceLimit        *deviceLimitDoc     `bson:"deviceLimit,omitempty"`
	Blacklisted        bool                `bson:"blacklisted"`
	BlacklistReason    string              `bson:"blacklistReason,omitempty"`
	RevokedAt          *time.Time          `bson:"revokedAt,omitempty"`
	RevocationReason   string              `bson:"revocationReason,omitempty"`
	CreatedBy          string              `bson:"createdBy,omitempty"`
	UpdatedBy          string              `bson:"updatedBy,omitempty"`
	CreatedAt          time.Time           `bson:"createdAt"`
	UpdatedAt          time.Time           `bson:"updatedAt"`
	Metadata           map[string]any      `bson:"metadata,omitempty"`
}

// Open connects, pings and ensures indexes.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("mongodb uri is required")
	}
	if cfg.Database == "" {
		cfg.Database = defaultDatabase
	}
	if cfg.Collection == "" {
		cfg.Collection = defaultCollection
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI).SetTimeout(cfg.Timeout))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	s := &Store{client: client, collection: client.Database(cfg.Database).Collection(cfg.Collection)}
	if err := s.ensureIndexes(connectCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	log.Info().Str("database", cfg.Database).Str("collection", cfg.Collection).Msg("MongoDB license store connected")
	return s, nil
}

func indexModels() []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "licenseKey", Value: 1}},
			Options: options.Index().SetName(indexLicenseKey).SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "licenseHex", Value: 1}},
			Options: options.Index().SetName(indexLicenseHex).SetUnique(true).
				SetPartialFilterExpression(bson.M{"licenseHex": bson.M{"$type": "string"}}),
		},
		{
			Keys: bson.D{{Key: "schoolId", Value: 1}},
			Options: options.Index().SetName(indexActiveSchool).SetUnique(true).
				SetPartialFilterExpression(bson.M{"status": string(licensing.StatusActive)}),
		},
		{
			Keys:    bson.D{{Key: "expiresAt", Value: 1}},
			Options: options.Index().SetName("expires_at"),
		},
	}
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	if _, err := s.collection.Indexes().CreateMany(ctx, indexModels()); err != nil {
		return fmt.Errorf("create license indexes: %w", err)
	}
	return nil
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Create inserts l.
func (s *Store) Create(ctx context.Context, l *licensing.License) error {
	if _, err := s.collection.InsertOne(ctx, toDoc(l)); err != nil {
		return mapWriteError(fmt.Errorf("insert license: %w", err))
	}
	return nil
}

// Update writes every field of l except activationAttempts, which only
// IncrementActivationAttempts changes.
func (s *Store) Update(ctx context.Context, l *licensing.License) error {
	spec, err := updateSpec(l)
	if err != nil {
		return err
	}
	res, err := s.collection.UpdateOne(ctx, bson.M{"_id": l.ID}, spec)
	if err != nil {
		return mapWriteError(fmt.Errorf("update license: %w", err))
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("license %q not found", l.ID)
	}
	return nil
}

// FindByID returns nil, nil when no license matches.
func (s *Store) FindByID(ctx context.Context, id string) (*licensing.License, error) {
	return s.findOne(ctx, bson.M{"_id": id})
}

// FindByKey looks a license up by its public key.
func (s *Store) FindByKey(ctx context.Context, key string) (*licensing.License, error) {
	return s.findOne(ctx, bson.M{"licenseKey": key})
}

// FindByHex looks a license up by its offline activation string.
func (s *Store) FindByHex(ctx context.Context, hex string) (*licensing.License, error) {
	if hex == "" {
		return nil, nil
	}
	return s.findOne(ctx, bson.M{"licenseHex": hex})
}

// FindActiveBySchool returns the school's ACTIVE license, if any.
func (s *Store) FindActiveBySchool(ctx context.Context, schoolID string) (*licensing.License, error) {
	return s.findOne(ctx, bson.M{"schoolId": schoolID, "status": string(licensing.StatusActive)})
}

// List returns every license in creation order.
func (s *Store) List(ctx context.Context) ([]*licensing.License, error) {
	cur, err := s.collection.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}
	defer cur.Close(ctx)

	var docs []licenseDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode licenses: %w", err)
	}
	out := make([]*licensing.License, 0, len(docs))
	for i := range docs {
		out = append(out, fromDoc(&docs[i]))
	}
	return out, nil
}

// IncrementActivationAttempts uses $inc so concurrent mismatches are all counted.
func (s *Store) IncrementActivationAttempts(ctx context.Context, id string) (int, error) {
	var doc licenseDoc
	err := s.collection.FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{"$inc": bson.M{"activationAttempts": 1}},
		options.FindOneAndUpdate().SetReturnDocument(options.After).SetProjection(bson.M{"activationAttempts": 1}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, fmt.Errorf("license %q not found", id)
	}
	if err != nil {
		return 0, fmt.Errorf("increment activation attempts: %w", err)
	}
	return doc.ActivationAttempts, nil
}

func (s *Store) findOne(ctx context.Context, filter bson.M) (*licensing.License, error) {
	var doc licenseDoc
	err := s.collection.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find license: %w", err)
	}
	return fromDoc(&doc), nil
}

// mapWriteError turns duplicate key failures into the licensing sentinels.
// The server names the violated index in the error message.
func mapWriteError(err error) error {
	if !mongo.IsDuplicateKeyError(err) {
		return err
	}
	if strings.Contains(err.Error(), indexActiveSchool) {
		return fmt.Errorf("%w: %v", licensing.ErrActiveLicenseExists, err)
	}
	return fmt.Errorf("%w: %v", licensing.ErrDuplicateKey, err)
}

func toDoc(l *licensing.License) *licenseDoc {
	d := &licenseDoc{
		ID:                 l.ID,
		SchoolID:           l.SchoolID,
		SchoolName:         l.SchoolName,
		LicenseKey:         l.LicenseKey,
		LicenseHash:        l.LicenseHash,
		LicenseToken:       l.LicenseToken,
		LicenseHex:         l.LicenseHex,
		Fingerprint:        l.Fingerprint,
		IssuedAt:           l.IssuedAt,
		ExpiresAt:          l.ExpiresAt,
		ActivatedAt:        l.ActivatedAt,
		LastChecked:        l.LastChecked,
		LastVerificationAt: l.LastVerificationAt,
		Status:             string(l.Status),
		ActivationStatus:   string(l.ActivationStatus),
		ActivationAttempts: l.ActivationAttempts,
		Blacklisted:        l.Blacklisted,
		BlacklistReason:    l.BlacklistReason,
		RevokedAt:          l.RevokedAt,
		RevocationReason:   l.RevocationReason,
		CreatedBy:          l.CreatedBy,
		UpdatedBy:          l.UpdatedBy,
		CreatedAt:          l.CreatedAt,
		UpdatedAt:          l.UpdatedAt,
		Metadata:           l.Metadata,
	}
	if l.Features != nil {
		d.Features = make([]featureDoc, len(l.Features))
		for i, f := range l.Features {
			d.Features[i] = featureDoc{Name: f.Name, Enabled: f.Enabled, Restrictions: f.Restrictions}
		}
	}
	r := l.SecurityRestrictions
	if hb := r.HardwareBinding; hb != nil {
		d.HardwareBinding = &hardwareBindingDoc{Enabled: hb.Enabled, Fingerprints: hb.Fingerprints}
	}
	if ip := r.IPRestrictions; ip != nil {
		d.IPRestrictions = &ipRestrictionsDoc{Enabled: ip.Enabled, AllowedIPs: ip.AllowedIPs, AllowedCountries: ip.AllowedCountries}
	}
	if dl := r.DeviceLimit; dl != nil {
		d.DeviceLimit = &deviceLimitDoc{Enabled: dl.Enabled, MaxDevices: dl.MaxDevices}
	}
	return d
}

func fromDoc(d *licenseDoc) *licensing.License {
	l := &licensing.License{
		ID:                 d.ID,
		SchoolID:           d.SchoolID,
		SchoolName:         d.SchoolName,
		LicenseKey:         d.LicenseKey,
		LicenseHash:        d.LicenseHash,
		LicenseToken:       d.LicenseToken,
		LicenseHex:         d.LicenseHex,
		Fingerprint:        d.Fingerprint,
		IssuedAt:           d.IssuedAt.UTC(),
		ExpiresAt:          d.ExpiresAt.UTC(),
		ActivatedAt:        utcPtr(d.ActivatedAt),
		LastChecked:        utcPtr(d.LastChecked),
		LastVerificationAt: utcPtr(d.LastVerificationAt),
		Status:             licensing.Status(d.Status),
		ActivationStatus:   licensing.ActivationStatus(d.ActivationStatus),
		ActivationAttempts: d.ActivationAttempts,
		Blacklisted:        d.Blacklisted,
		BlacklistReason:    d.BlacklistReason,
		RevokedAt:          utcPtr(d.RevokedAt),
		RevocationReason:   d.RevocationReason,
		CreatedBy:          d.CreatedBy,
		UpdatedBy:          d.UpdatedBy,
		CreatedAt:          d.CreatedAt.UTC(),
		UpdatedAt:          d.UpdatedAt.UTC(),
		Metadata:           d.Metadata,
	}
	if d.Features != nil {
		l.Features = make([]licensing.Feature, len(d.Features))
		for i, f := range d.Features {
			l.Features[i] = licensing.Feature{Name: f.Name, Enabled: f.Enabled, Restrictions: f.Restrictions}
		}
	}
	if hb := d.HardwareBinding; hb != nil {
		l.SecurityRestrictions.HardwareBinding = &licensing.HardwareBinding{Enabled: hb.Enabled, Fingerprints: hb.Fingerprints}
	}
	if ip := d.IPRestrictions; ip != nil {
		l.SecurityRestrictions.IPRestrictions = &licensing.IPRestrictions{Enabled: ip.Enabled, AllowedIPs: ip.AllowedIPs, AllowedCountries: ip.AllowedCountries}
	}
	if dl := d.DeviceLimit; dl != nil {
		l.SecurityRestrictions.DeviceLimit = &licensing.DeviceLimit{Enabled: dl.Enabled, MaxDevices: dl.MaxDevices}
	}
	return l
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

// optionalFields are the omitempty fields of licenseDoc. Update unsets
// them when l leaves them empty.
var optionalFields = []string{
	"licenseHex", "activatedAt", "lastChecked", "lastVerificationAt",
	"hardwareBinding", "ipRestrictions", "deviceLimit",
	"blacklistReason", "revokedAt", "revocationReason",
	"createdBy", "updatedBy", "metadata",
}

func updateSpec(l *licensing.License) (bson.M, error) {
	raw, err := bson.Marshal(toDoc(l))
	if err != nil {
		return nil, fmt.Errorf("encode license: %w", err)
	}
	set := bson.M{}
	if err := bson.Unmarshal(raw, &set); err != nil {
		return nil, fmt.Errorf("encode license: %w", err)
	}
	delete(set, "_id")
	delete(set, "activationAttempts")

	spec := bson.M{"$set": set}
	unset := bson.M{}
	for _, field := range optionalFields {
		if _, ok := set[field]; !ok {
			unset[field] = ""
		}
	}
	if len(unset) > 0 {
		spec["$unset"] = unset
	}
	return spec, nil
}
