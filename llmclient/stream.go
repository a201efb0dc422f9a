package llmclient

import "sync"

// tokenPipe is a minimal producer-fed TokenStream: each provider's
// streaming goroutine pushes Tokens into it, and callers drain them through
// the Next/Current/Close cursor.
type tokenPipe struct {
	ch      chan Token
	errCh   chan error
	once    sync.Once
	current Token
	err     error
}

func newTokenPipe() *tokenPipe {
	return &tokenPipe{ch: make(chan Token, 16), errCh: make(chan error, 1)}
}

func (p *tokenPipe) send(t Token) { p.ch <- t }

func (p *tokenPipe) fail(err error) {
	select {
	case p.errCh <- err:
	default:
	}
}

func (p *tokenPipe) closeSend() {
	p.once.Do(func() { close(p.ch) })
}

func (p *tokenPipe) Next() bool {
	v, ok := <-p.ch
	if !ok {
		select {
		case err := <-p.errCh:
			p.err = err
		default:
		}
		return false
	}
	p.current = v
	return true
}

func (p *tokenPipe) Current() (Token, error) { return p.current, p.err }

func (p *tokenPipe) Close() error {
	p.closeSend()
	return nil
}
