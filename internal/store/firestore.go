package store

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/Lllllllleong/pagebatch/internal/gcp"
	"github.com/Lllllllleong/pagebatch/internal/models"
)

// FirestoreStore keeps one Firestore document per record. Staged records live
// in the active collection; Archive moves a record to the archive collection
// inside a transaction, so it is never visible in both or neither.
//
// Listing needs a composite index on (state ASC, ingestedAt DESC, __name__ ASC).
type FirestoreStore struct {
	client  *firestore.Client
	active  *firestore.CollectionRef
	archive *firestore.CollectionRef
}

// NewFirestoreStore binds a store to two collections.
func NewFirestoreStore(client *firestore.Client, activeCollection, archiveCollection string) (*FirestoreStore, error) {
	if activeCollection == "" || archiveCollection == "" {
		return nil, fmt.Errorf("firestore collections must be set")
	}
	if activeCollection == archiveCollection {
		return nil, fmt.Errorf("active and archive collections must differ")
	}
	return &FirestoreStore{
		client:  client,
		active:  client.Collection(activeCollection),
		archive: client.Collection(archiveCollection),
	}, nil
}

var _ Store = (*FirestoreStore)(nil)

func (s *FirestoreStore) ListActive(ctx context.Context) ([]string, error) {
	return s.listByState(ctx, models.StateActive)
}

func (s *FirestoreStore) ListPendingArchive(ctx context.Context) ([]string, error) {
	return s.listByState(ctx, models.StateArchived)
}

func (s *FirestoreStore) listByState(ctx context.Context, state models.DocumentState) ([]string, error) {
	docs, err := s.active.
		Where("state", "==", string(state)).
		OrderBy("ingestedAt", firestore.Desc).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, persistence("list", s.active.ID, err)
	}
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.Ref.ID)
	}
	return ids, nil
}

func decodeSnapshot(snap *firestore.DocumentSnapshot) (*models.DocumentRecord, error) {
	var rec models.DocumentRecord
	if err := snap.DataTo(&rec); err != nil {
		return nil, corrupt(snap.Ref.ID, err)
	}
	if err := rec.Validate(); err != nil {
		return nil, corrupt(snap.Ref.ID, err)
	}
	if rec.ID != snap.Ref.ID {
		return nil, corrupt(snap.Ref.ID, fmt.Errorf("document holds record %q", rec.ID))
	}
	return &rec, nil
}

func (s *FirestoreStore) Load(ctx context.Context, id string) (*models.DocumentRecord, error) {
	for _, coll := range []*firestore.CollectionRef{s.active, s.archive} {
		snap, err := coll.Doc(id).Get(ctx)
		if gcp.IsFirestoreNotFound(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrNotFound, id, err)
		}
		return decodeSnapshot(snap)
	}
	return nil, notFound(id)
}

func (s *FirestoreStore) Save(ctx context.Context, rec *models.DocumentRecord) error {
	if err := validateForSave(rec); err != nil {
		return err
	}
	activeRef := s.active.Doc(rec.ID)
	archiveRef := s.archive.Doc(rec.ID)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if _, err := tx.Get(archiveRef); err == nil {
			return fmt.Errorf("%w: %s", ErrAlreadyArchived, rec.ID)
		} else if !gcp.IsFirestoreNotFound(err) {
			return err
		}
		return tx.Set(activeRef, rec)
	})
	if err != nil {
		return persistence("save", rec.ID, err)
	}
	return nil
}

func (s *FirestoreStore) Archive(ctx context.Context, id string) error {
	activeRef := s.active.Doc(id)
	archiveRef := s.archive.Doc(id)
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(activeRef)
		if gcp.IsFirestoreNotFound(err) {
			if _, archErr := tx.Get(archiveRef); archErr == nil {
				return nil
			}
			return notFound(id)
		}
		if err != nil {
			return persistence("archive", id, err)
		}
		rec, err := decodeSnapshot(snap)
		if err != nil {
			return err
		}
		if rec.State != models.StateArchived {
			return fmt.Errorf("%w: %s is %s", ErrNotArchivable, id, rec.State)
		}
		if err := tx.Set(archiveRef, rec); err != nil {
			return persistence("archive", id, err)
		}
		return tx.Delete(activeRef)
	})
}
