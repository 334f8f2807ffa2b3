package ot

// transformPosition moves a position across an operation that was
// committed before it.
func transformPosition(pos int, prior Operation) int {
	p, l := prior.Position, prior.Len()
	switch prior.Type {
	case Insert:
		if pos >= p {
			return pos + l
		}
	case Delete:
		switch {
		case pos >= p+l:
			return pos - l
		case pos >= p:
			return p
		}
	}
	return pos
}

// transformEnd moves the exclusive end of a delete range. It differs from
// transformPosition only for inserts landing exactly on the end, which stay
// outside the range.
func transformEnd(end int, prior Operation) int {
	if prior.Type == Insert && end == prior.Position {
		return end
	}
	return transformPosition(end, prior)
}

// Transform rewrites op so that it applies after prior has been committed.
// The base revision is left untouched; the reconciler stamps it.
func Transform(op, prior Operation) Operation {
	switch op.Type {
	case Insert:
		op.Position = transformPosition(op.Position, prior)
	case Delete:
		start := transformPosition(op.Position, prior)
		end := transformEnd(op.Position+op.Length, prior)
		op.Position = start
		op.Length = max(0, end-start)
	}
	return op
}
