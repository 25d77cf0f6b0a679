package agency

import "fmt"

// Wire encoding of transactions. A write request carries an array of
// transaction envelopes, each an array of one operations object and an
// optional preconditions object:
//
//	[ [ {"/a/b": {"op": "push", "new": "x"}}, {"/a/b": {"isArray": true}} ] ]
//
// A read request carries an array of path lists; the response is one
// subtree value per list entry.

// encodeTransaction renders a transaction into its wire envelope.
func encodeTransaction(trx Transaction) []any {
	ops := make(map[string]any, len(trx.Ops))
	for _, op := range trx.Ops {
		ops[op.Path] = encodeOperation(op)
	}
	envelope := []any{ops}
	if len(trx.Preconds) > 0 {
		preconds := make(map[string]any, len(trx.Preconds))
		for _, pc := range trx.Preconds {
			preconds[pc.Path] = map[string]any{string(pc.Kind): pc.Value}
		}
		envelope = append(envelope, preconds)
	}
	return envelope
}

func encodeOperation(op Operation) map[string]any {
	switch op.Kind {
	case OpSet:
		return map[string]any{"op": "set", "new": op.Value}
	case OpDelete:
		return map[string]any{"op": "delete"}
	case OpPush:
		return map[string]any{"op": "push", "new": op.Value}
	case OpErase:
		return map[string]any{"op": "erase", "val": op.Value}
	case OpIncrement:
		step := op.Step
		if step == 0 {
			step = 1
		}
		return map[string]any{"op": "increment", "step": step}
	default:
		return map[string]any{"op": string(op.Kind)}
	}
}

// decodeTransaction parses a wire envelope back into a Transaction.
func decodeTransaction(envelope []any) (Transaction, error) {
	if len(envelope) == 0 || len(envelope) > 2 {
		return Transaction{}, fmt.Errorf("agency: transaction envelope must hold 1 or 2 objects, got %d", len(envelope))
	}
	var trx Transaction
	ops, ok := envelope[0].(map[string]any)
	if !ok {
		return Transaction{}, fmt.Errorf("agency: operations entry is not an object")
	}
	for path, raw := range ops {
		op, err := decodeOperation(path, raw)
		if err != nil {
			return Transaction{}, err
		}
		trx.Ops = append(trx.Ops, op)
	}
	if len(envelope) == 2 {
		preconds, ok := envelope[1].(map[string]any)
		if !ok {
			return Transaction{}, fmt.Errorf("agency: preconditions entry is not an object")
		}
		for path, raw := range preconds {
			pc, err := decodePrecondition(path, raw)
			if err != nil {
				return Transaction{}, err
			}
			trx.Preconds = append(trx.Preconds, pc)
		}
	}
	return trx, nil
}

func decodeOperation(path string, raw any) (Operation, error) {
	spec, ok := raw.(map[string]any)
	if !ok {
		// Shorthand: a bare value means set.
		return Set(path, raw), nil
	}
	kind, ok := spec["op"].(string)
	if !ok {
		// An object without "op" is also a plain set of that object.
		return Set(path, spec), nil
	}
	switch OpKind(kind) {
	case OpSet:
		return Set(path, spec["new"]), nil
	case OpDelete:
		return Delete(path), nil
	case OpPush:
		return Push(path, spec["new"]), nil
	case OpErase:
		return Erase(path, spec["val"]), nil
	case OpIncrement:
		step := uint64(1)
		if f, ok := spec["step"].(float64); ok && f > 0 {
			step = uint64(f)
		}
		return Increment(path, step), nil
	default:
		return Operation{}, fmt.Errorf("agency: unknown operation %q at %s", kind, path)
	}
}

func decodePrecondition(path string, raw any) (Precondition, error) {
	spec, ok := raw.(map[string]any)
	if !ok {
		return Precondition{}, fmt.Errorf("agency: precondition at %s is not an object", path)
	}
	for _, kind := range []PrecondKind{PrecondOldEqual, PrecondOldEmpty, PrecondIsArray} {
		if v, ok := spec[string(kind)]; ok {
			return Precondition{Path: path, Kind: kind, Value: v}, nil
		}
	}
	return Precondition{}, fmt.Errorf("agency: unknown precondition at %s", path)
}
