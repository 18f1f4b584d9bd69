package sqlcommon

import (
	"context"
	"time"

	sq "github.com/Masterminds/squirrel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/streamcache/streamcache/internal/keys"
	"github.com/streamcache/streamcache/pkg/storage"
)

func fingerprintAttr(key keys.Fingerprint) attribute.KeyValue {
	return attribute.String("fingerprint", key.String())
}

// Get see [storage.CacheStore].Get.
func (s *Datastore) Get(ctx context.Context, key keys.Fingerprint) (*storage.CacheEntry, error) {
	ctx, span := s.startTrace(ctx, "Get", fingerprintAttr(key))
	defer span.End()

	return s.readEntry(ctx, s.selectLive(key.Int64()))
}

// GetCompleted see [storage.CacheStore].GetCompleted.
func (s *Datastore) GetCompleted(ctx context.Context, key keys.Fingerprint) (*storage.CacheEntry, error) {
	ctx, span := s.startTrace(ctx, "GetCompleted", fingerprintAttr(key))
	defer span.End()

	return s.readEntry(ctx, s.selectLive(key.Int64()).Where(sq.Eq{"in_progress": false}))
}

// BeginInProgress see [storage.CacheStore].BeginInProgress. Within one transaction it removes
// an entry that no longer blocks execution and inserts the in-progress entry; the primary key
// turns a concurrent insert into [storage.ErrCollision].
func (s *Datastore) BeginInProgress(ctx context.Context, key keys.Fingerprint, owner string, ttl time.Duration) error {
	ctx, span := s.startTrace(ctx, "BeginInProgress", fingerprintAttr(key))
	defer span.End()

	txn, err := s.dbInfo.db.BeginTx(ctx, nil)
	if err != nil {
		return s.dbInfo.HandleSQLError(err)
	}
	defer func() {
		_ = txn.Rollback()
	}()

	now := s.nowMillis()

	_, err = s.dbInfo.stbl.
		Delete(cacheTable).
		Where(sq.Eq{"fingerprint": key.Int64()}).
		Where(sq.Or{
			sq.Eq{"in_progress": false},
			sq.LtOrEq{"expires_at": now},
		}).
		RunWith(txn).
		ExecContext(ctx)
	if err != nil {
		return s.dbInfo.HandleSQLError(err)
	}

	_, err = s.dbInfo.stbl.
		Insert(cacheTable).
		Columns("fingerprint", "in_progress", "failed", "result", "owner", "expires_at", "updated_at").
		Values(key.Int64(), true, false, nil, owner, now+ttl.Milliseconds(), now).
		RunWith(txn).
		ExecContext(ctx)
	if err != nil {
		return s.dbInfo.HandleSQLError(err)
	}

	if err := txn.Commit(); err != nil {
		return s.dbInfo.HandleSQLError(err)
	}

	return nil
}

func (s *Datastore) settle(ctx context.Context, key keys.Fingerprint, failed bool, result []byte, ttl time.Duration) error {
	now := s.nowMillis()

	_, err := s.dbInfo.stbl.
		Insert(cacheTable).
		Columns("fingerprint", "in_progress", "failed", "result", "owner", "expires_at", "updated_at").
		Values(key.Int64(), false, failed, result, "", now+ttl.Milliseconds(), now).
		Suffix(s.dbInfo.upsert(
			[]string{"fingerprint"},
			[]string{"in_progress", "failed", "result", "expires_at", "updated_at"},
		)).
		ExecContext(ctx)
	if err != nil {
		return s.dbInfo.HandleSQLError(err)
	}

	return nil
}

// Complete see [storage.CacheStore].Complete.
func (s *Datastore) Complete(ctx context.Context, key keys.Fingerprint, result []byte, ttl time.Duration) error {
	ctx, span := s.startTrace(ctx, "Complete", fingerprintAttr(key), attribute.Int("bytes", len(result)))
	defer span.End()

	if result == nil {
		result = []byte{}
	}

	return s.settle(ctx, key, false, result, ttl)
}

// Fail see [storage.CacheStore].Fail.
func (s *Datastore) Fail(ctx context.Context, key keys.Fingerprint, ttl time.Duration) error {
	ctx, span := s.startTrace(ctx, "Fail", fingerprintAttr(key))
	defer span.End()

	return s.settle(ctx, key, true, nil, ttl)
}

// Delete see [storage.CacheStore].Delete.
func (s *Datastore) Delete(ctx context.Context, key keys.Fingerprint) error {
	ctx, span := s.startTrace(ctx, "Delete", fingerprintAttr(key))
	defer span.End()

	_, err := s.dbInfo.stbl.
		Delete(cacheTable).
		Where(sq.Eq{"fingerprint": key.Int64()}).
		ExecContext(ctx)
	if err != nil {
		return s.dbInfo.HandleSQLError(err)
	}

	return nil
}

// RenewExpiry see [storage.CacheStore].RenewExpiry.
func (s *Datastore) RenewExpiry(ctx context.Context, key keys.Fingerprint, ttl time.Duration) error {
	ctx, span := s.startTrace(ctx, "RenewExpiry", fingerprintAttr(key))
	defer span.End()

	now := s.nowMillis()

	_, err := s.dbInfo.stbl.
		Update(cacheTable).
		Set("expires_at", now+ttl.Milliseconds()).
		Set("updated_at", now).
		Where(sq.Eq{"fingerprint": key.Int64()}).
		Where(sq.Gt{"expires_at": now}).
		ExecContext(ctx)
	if err != nil {
		return s.dbInfo.HandleSQLError(err)
	}

	return nil
}
