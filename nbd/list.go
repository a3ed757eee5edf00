package nbd

// Link is a list node embedded inside the object it tracks, so pushing and
// removing never allocates. A zero Link is "not in any list".
type Link[T any] struct {
	next, prev *T
	linked     bool
}

// List is an intrusive doubly-linked list over objects carrying an embedded
// Link. The linkOf accessor plays the role the link offset plays in an
// offset-based design. An object may be on at most one list at a time;
// Remove reports whether the object was actually linked, which only works
// while that holds.
type List[T any] struct {
	head, tail *T
	size       int
	linkOf     func(*T) *Link[T]
}

// NewList makes a list using linkOf to reach the Link inside a T.
func NewList[T any](linkOf func(*T) *Link[T]) List[T] {
	return List[T]{linkOf: linkOf}
}

// PushBack appends obj to the tail of the list.
func (l *List[T]) PushBack(obj *T) {
	ln := l.linkOf(obj)
	ln.prev = l.tail
	ln.next = nil
	ln.linked = true
	if l.tail != nil {
		l.linkOf(l.tail).next = obj
	} else {
		l.head = obj
	}
	l.tail = obj
	l.size++
}

// PushFront prepends obj to the head of the list.
func (l *List[T]) PushFront(obj *T) {
	ln := l.linkOf(obj)
	ln.next = l.head
	ln.prev = nil
	ln.linked = true
	if l.head != nil {
		l.linkOf(l.head).prev = obj
	} else {
		l.tail = obj
	}
	l.head = obj
	l.size++
}

// PopFront removes and returns the head of the list, or nil if empty.
func (l *List[T]) PopFront() *T {
	obj := l.head
	if obj == nil {
		return nil
	}
	l.Remove(obj)
	return obj
}

// PopBack removes and returns the tail of the list, or nil if empty.
func (l *List[T]) PopBack() *T {
	obj := l.tail
	if obj == nil {
		return nil
	}
	l.Remove(obj)
	return obj
}

// Remove unlinks obj in O(1). Returns true if the object was in a list.
func (l *List[T]) Remove(obj *T) bool {
	ln := l.linkOf(obj)
	if !ln.linked {
		return false
	}
	if ln.prev != nil {
		l.linkOf(ln.prev).next = ln.next
	} else {
		l.head = ln.next
	}
	if ln.next != nil {
		l.linkOf(ln.next).prev = ln.prev
	} else {
		l.tail = ln.prev
	}
	ln.next = nil
	ln.prev = nil
	ln.linked = false
	l.size--
	return true
}

// Front returns the head without removing it.
func (l *List[T]) Front() *T {
	return l.head
}

// Next returns the element after cur, or nil at the end.
func (l *List[T]) Next(cur *T) *T {
	if cur == nil {
		return nil
	}
	return l.linkOf(cur).next
}

// Len returns the number of linked elements.
func (l *List[T]) Len() int {
	return l.size
}
