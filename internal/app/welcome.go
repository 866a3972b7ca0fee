package app

import (
	"log"
	"sync"

	"inkwell/api/internal/store"
)

const welcomeQueueSize = 64

// WelcomeMailer sends the post-registration email.
type WelcomeMailer interface {
	IsConfigured() bool
	SendWelcomeEmail(to, userName string) error
}

// welcomeQueue delivers welcome emails from a single worker. Registrations
// never wait on SMTP; when the queue is full the email is dropped.
type welcomeQueue struct {
	mailer WelcomeMailer
	jobs   chan store.User
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newWelcomeQueue(mailer WelcomeMailer, size int) *welcomeQueue {
	q := &welcomeQueue{
		mailer: mailer,
		jobs:   make(chan store.User, size),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *welcomeQueue) run() {
	defer close(q.done)
	for {
		select {
		case <-q.quit:
			return
		case user := <-q.jobs:
			if err := q.mailer.SendWelcomeEmail(user.Email, user.Username); err != nil {
				log.Printf("welcome email to %s failed: %v", user.ID, err)
			}
		}
	}
}

func (q *welcomeQueue) enqueue(user store.User) bool {
	select {
	case q.jobs <- user:
		return true
	default:
		return false
	}
}

// close stops the worker after the email in flight. Queued emails are dropped.
func (q *welcomeQueue) close() {
	q.once.Do(func() { close(q.quit) })
	<-q.done
}
