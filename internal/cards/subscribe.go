package cards

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// SubscribeAll delivers the owner's full card set to onData immediately and again
// after every change. onError receives reload failures; the feed stays open. The
// returned unsubscribe is safe to call more than once.
func (r *Repository) SubscribeAll(ctx context.Context, ownerID string, onData func([]Card), onError func(error)) (func(), error) {
	owner, err := NewOwnerID(ownerID)
	if err != nil {
		return nil, err
	}
	if onData == nil {
		return nil, newServiceError(opSubscribe, reasonInvalidInput, errMissingCallback)
	}
	if onError == nil {
		onError = func(error) {}
	}

	subscriptionCtx, cancel := context.WithCancel(ctx)
	stream, release := r.feed.Subscribe(subscriptionCtx, owner.String())

	done := make(chan struct{})
	go func() {
		defer close(done)
		if !r.deliverSnapshot(subscriptionCtx, owner, onData, onError) {
			return
		}
		for {
			select {
			case <-subscriptionCtx.Done():
				return
			case _, ok := <-stream:
				if !ok {
					return
				}
				drainPending(stream)
				if !r.deliverSnapshot(subscriptionCtx, owner, onData, onError) {
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			release()
			<-done
		})
	}, nil
}

func (r *Repository) deliverSnapshot(ctx context.Context, owner OwnerID, onData func([]Card), onError func(error)) bool {
	cards, err := r.ListCards(ctx, owner.String())
	if ctx.Err() != nil {
		return false
	}
	if err != nil {
		r.logWarn(opSubscribe, reasonReloadFailed, err, zap.String(fieldOwnerID, owner.String()))
		onError(err)
		return true
	}
	onData(cards)
	return true
}

// drainPending collapses a burst of change messages into one reload.
func drainPending[T any](stream <-chan T) {
	for {
		select {
		case _, ok := <-stream:
			if !ok {
				return
			}
		default:
			return
		}
	}
}
