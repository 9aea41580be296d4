package chunk

// FindTail returns the last chunk of the chain starting at head.
func FindTail(head *Chunk) *Chunk {
	c := head
	for c.next != nil {
		c = c.next
	}
	return c
}

// RemainingAll returns the number of readable bytes in the whole chain.
func RemainingAll(head *Chunk) int {
	n := 0
	for c := head; c != nil; c = c.next {
		n += c.ReadRemaining()
	}
	return n
}

// Len returns the number of chunks in the chain.
func Len(head *Chunk) int {
	n := 0
	for c := head; c != nil; c = c.next {
		n++
	}
	return n
}

// ReleaseAll releases every chunk of the chain. Links are cut before a chunk
// is released so a recycled chunk never points into the rest of the chain.
func ReleaseAll(head *Chunk) {
	for c := head; c != nil; {
		next := c.CleanNext()
		c.Release()
		c = next
	}
}

// CopyAll duplicates every chunk of the chain. The copy shares memory with
// the original, so neither chain is exclusively owned until the other is released.
func CopyAll(head *Chunk) *Chunk {
	if head == nil {
		return nil
	}
	copyHead := head.Duplicate()
	prev := copyHead
	for c := head.next; c != nil; c = c.next {
		d := c.Duplicate()
		prev.next = d
		prev = d
	}
	return copyHead
}
