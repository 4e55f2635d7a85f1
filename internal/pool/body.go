package pool

// Store copies data into a freshly allocated block list, splitting across
// as many blocks as needed. It is the inverse of Collect. On allocation
// failure it frees any blocks it had already taken and returns
// ErrPoolExhausted, so a Store call never leaks a partial chain.
func (p *Pool) Store(data []byte) (*Block, error) {
	if len(data) == 0 {
		b, err := p.AllocOne()
		return b, err
	}

	blockSize := p.blockSize
	n := (len(data) + blockSize - 1) / blockSize

	head, err := p.AllocList(n)
	if err != nil {
		return nil, err
	}

	off := 0
	for b := head; b != nil; b = b.next {
		end := off + blockSize
		if end > len(data) {
			end = len(data)
		}
		copy(b.buf, data[off:end])
		b.used = end - off
		off = end
	}
	return head, nil
}

// Collect concatenates the used portion of every block in the chain into a
// single freshly allocated slice. Used by the produce builder (which copies
// each Message's body out this way before encoding it), by discard
// sampling, and by tests that need to verify round-trip content.
func Collect(head *Block) []byte {
	total := 0
	for b := head; b != nil; b = b.next {
		total += b.used
	}
	out := make([]byte, 0, total)
	for b := head; b != nil; b = b.next {
		out = append(out, b.Bytes()...)
	}
	return out
}

// Len returns the total number of used bytes across a block chain.
func Len(head *Block) int {
	total := 0
	for b := head; b != nil; b = b.next {
		total += b.used
	}
	return total
}
