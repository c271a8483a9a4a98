// Package zim reads ZIM archives (the openZIM offline content format).
//
// An Archive is opened over any io.ReaderAt and is immutable afterwards, so a
// single handle can be shared by any number of goroutines. Lookups go straight
// to the on-disk pointer lists: entry by index, entry by path (binary search
// over the URL pointer list) and blob by cluster/blob number. Nothing is
// cached; every Blob call reads and, when needed, decompresses the backing
// cluster and returns a freshly allocated slice.
//
// Supported cluster compressions are none, zlib, bzip2, xz and zstd, with both
// 32-bit and extended 64-bit blob offsets.
package zim
