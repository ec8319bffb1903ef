package gitrepo

import "context"

// repoLock serializes work on one repository's shared clone. Unlike a
// sync.Mutex, waiting for it can be abandoned when ctx is done.
type repoLock struct {
	ch chan struct{}
}

func newRepoLock() *repoLock {
	return &repoLock{ch: make(chan struct{}, 1)}
}

func (l *repoLock) acquire(ctx context.Context) error {
	select {
	case l.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *repoLock) release() {
	<-l.ch
}
