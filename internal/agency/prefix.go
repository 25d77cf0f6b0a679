package agency

import (
	"context"
	"strings"
)

// prefixed adapts an Agency so that callers address entries relative to a
// configured agency prefix (for example /arango). The supervisor and the
// job subsystem only ever see prefix-relative paths; the prefix is
// configuration threaded in exactly once, here.
type prefixed struct {
	inner  Agency
	prefix string
}

// WithPrefix wraps a so every path is resolved under prefix. An empty
// prefix returns a unchanged.
func WithPrefix(a Agency, prefix string) Agency {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		return a
	}
	return &prefixed{inner: a, prefix: prefix}
}

// JoinPath concatenates agency path segments, normalizing slashes.
func JoinPath(parts ...string) string {
	var b strings.Builder
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p == "" {
			continue
		}
		b.WriteByte('/')
		b.WriteString(p)
	}
	if b.Len() == 0 {
		return "/"
	}
	return b.String()
}

func (p *prefixed) resolve(path string) string {
	return JoinPath(p.prefix, path)
}

func (p *prefixed) rewrite(trx Transaction) Transaction {
	out := Transaction{
		Ops:      make([]Operation, len(trx.Ops)),
		Preconds: make([]Precondition, len(trx.Preconds)),
	}
	for i, op := range trx.Ops {
		op.Path = p.resolve(op.Path)
		out.Ops[i] = op
	}
	for i, pc := range trx.Preconds {
		pc.Path = p.resolve(pc.Path)
		out.Preconds[i] = pc
	}
	return out
}

func (p *prefixed) ReadTree(ctx context.Context, prefix string) (*Node, error) {
	return p.inner.ReadTree(ctx, p.resolve(prefix))
}

func (p *prefixed) ReadTransient(ctx context.Context, prefix string) (*Node, error) {
	return p.inner.ReadTransient(ctx, p.resolve(prefix))
}

func (p *prefixed) Transact(ctx context.Context, trx Transaction) (WriteResult, error) {
	return p.inner.Transact(ctx, p.rewrite(trx))
}

func (p *prefixed) Transient(ctx context.Context, trx Transaction) (WriteResult, error) {
	return p.inner.Transient(ctx, p.rewrite(trx))
}

func (p *prefixed) GeneralTransaction(ctx context.Context, trxs []Transaction) (WriteResult, error) {
	rewritten := make([]Transaction, len(trxs))
	for i, trx := range trxs {
		rewritten[i] = p.rewrite(trx)
	}
	return p.inner.GeneralTransaction(ctx, rewritten)
}
