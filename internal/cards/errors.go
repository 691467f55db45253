package cards

import (
	"errors"
	"fmt"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingCallback   = errors.New("data callback is required")
)

// ServiceError wraps a remote-store failure with an "operation.reason" code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opRepositoryNew     = "cards.repository.new"
	opCreate            = "cards.create"
	opGet               = "cards.get"
	opUpdate            = "cards.update"
	opDelete            = "cards.delete"
	opMarkSold          = "cards.mark_sold"
	opDeleteMany        = "cards.delete_many"
	opImportMany        = "cards.import_many"
	opDeleteCollection  = "cards.delete_collection"
	opListCards         = "cards.list_cards"
	opListSold          = "cards.list_sold"
	opCardsInCollection = "cards.cards_for_collection"
	opUpsertCollection  = "cards.upsert_collection"
	opGetCollection     = "cards.get_collection"
	opListCollections   = "cards.list_collections"
	opRecount           = "cards.recount"
	opSubscribe         = "cards.subscribe_all"

	reasonMissingDatabase  = "missing_database"
	reasonInvalidInput     = "invalid_input"
	reasonLookupFailed     = "lookup_failed"
	reasonInsertFailed     = "insert_failed"
	reasonSaveFailed       = "save_failed"
	reasonDeleteFailed     = "delete_failed"
	reasonQueryFailed      = "query_failed"
	reasonIDGeneration     = "id_generation_failed"
	reasonImageUpload      = "image_upload_failed"
	reasonImageDelete      = "image_delete_failed"
	reasonCacheEvict       = "image_cache_evict_failed"
	reasonCollectionMiss   = "collection_unresolved"
	reasonTransactionAbort = "transaction_failed"
	reasonItemFailed       = "item_failed"
	reasonReloadFailed     = "reload_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
