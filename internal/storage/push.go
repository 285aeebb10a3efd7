package storage

import (
	"fmt"

	"parley/internal/models"

	"go.etcd.io/bbolt"
)

// UpsertPushSubscription stores a push endpoint for its user. An endpoint
// registered by another user is not taken over.
func (s *BboltStorage) UpsertPushSubscription(sub models.PushSubscription) error {
	if sub.UserID == "" || sub.Endpoint == "" {
		return fmt.Errorf("push subscription needs user and endpoint: %w", models.ErrValidation)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPush)
		if err := checkPushOwner(b, sub.Endpoint, sub.UserID); err != nil {
			return err
		}
		err := putRecord(b, &DBPushSubscription{
			UserID:   sub.UserID,
			Endpoint: sub.Endpoint,
			Auth:     sub.Auth,
			P256dh:   sub.P256dh,
		})
		if err != nil {
			return fmt.Errorf("failed to put push subscription: %w", err)
		}
		return nil
	})
}

// DeletePushSubscription removes an endpoint regardless of its owner. It is
// used when the push service reports the endpoint gone.
func (s *BboltStorage) DeletePushSubscription(endpoint string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPush).Delete([]byte(endpoint))
	})
}

// DeleteUserPushSubscription removes an endpoint owned by userID. Deleting an
// unknown endpoint is a no-op.
func (s *BboltStorage) DeleteUserPushSubscription(userID, endpoint string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPush)
		if err := checkPushOwner(b, endpoint, userID); err != nil {
			return err
		}
		return b.Delete([]byte(endpoint))
	})
}

func checkPushOwner(b *bbolt.Bucket, endpoint, userID string) error {
	data := b.Get([]byte(endpoint))
	if data == nil {
		return nil
	}
	var existing DBPushSubscription
	if err := existing.UnmarshalBinary(data); err != nil {
		return fmt.Errorf("failed to unmarshal push subscription: %w", err)
	}
	if existing.UserID != userID {
		return fmt.Errorf("push endpoint belongs to another user: %w", models.ErrAccessDenied)
	}
	return nil
}

// ListPushSubscriptions returns the subscriptions registered by userID.
func (s *BboltStorage) ListPushSubscriptions(userID string) ([]models.PushSubscription, error) {
	var subs []models.PushSubscription
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPush).ForEach(func(k, v []byte) error {
			var dbSub DBPushSubscription
			if err := dbSub.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbSub.UserID != userID {
				return nil
			}
			subs = append(subs, models.PushSubscription{
				UserID:   dbSub.UserID,
				Endpoint: dbSub.Endpoint,
				Auth:     dbSub.Auth,
				P256dh:   dbSub.P256dh,
			})
			return nil
		})
	})
	return subs, err
}
