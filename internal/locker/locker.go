// Package locker сериализует расчет одного заказа между горутинами и экземплярами сервиса.
package locker

import (
	"context"
	"sync"
)

// Locker выдает эксклюзивную блокировку по ключу
type Locker interface {
	// Lock ждет блокировку до отмены ctx; unlock освобождает ее
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Local блокировки внутри одного процесса
type Local struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	ch   chan struct{}
	refs int
}

// NewLocal создает локальный локер
func NewLocal() *Local {
	return &Local{locks: make(map[string]*entry)}
}

// Lock захватывает ключ
func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.release(key, e)
		})
	}, nil
}

func (l *Local) release(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}
