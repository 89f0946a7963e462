// Package typedRoaring wraps github.com/RoaringBitmap/roaring with a
// type parameter, so callers can use their own index types (piece indices,
// request indices, ...) instead of bare uint32 or int at every call site.
package typedRoaring

import "github.com/RoaringBitmap/roaring"

type Int interface {
	~int | ~int32 | ~int64 | ~uint | ~uint32 | ~uint64
}

// Bitmap is a roaring.Bitmap restricted to hold values of T.
type Bitmap[T Int] struct {
	roaring.Bitmap
}

func (b *Bitmap[T]) Add(v T) {
	b.Bitmap.Add(uint32(v))
}

func (b *Bitmap[T]) CheckedAdd(v T) bool {
	return b.Bitmap.CheckedAdd(uint32(v))
}

func (b *Bitmap[T]) Remove(v T) {
	b.Bitmap.Remove(uint32(v))
}

func (b *Bitmap[T]) CheckedRemove(v T) bool {
	return b.Bitmap.CheckedRemove(uint32(v))
}

func (b *Bitmap[T]) Contains(v T) bool {
	return b.Bitmap.Contains(uint32(v))
}

// Iterate calls f for each member in ascending order, stopping early if f
// returns false.
func (b *Bitmap[T]) Iterate(f func(T) bool) {
	it := b.Bitmap.Iterator()
	for it.HasNext() {
		if !f(T(it.Next())) {
			return
		}
	}
}

func (b *Bitmap[T]) IsEmpty() bool {
	return b.Bitmap.IsEmpty()
}

func (b *Bitmap[T]) GetCardinality() uint64 {
	return b.Bitmap.GetCardinality()
}
