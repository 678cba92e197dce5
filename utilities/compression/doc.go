// Package compression shrinks flash image files for storage in a repository.
//
// A flash image is a raw dump of the device, one erase block after another.
// Blocks that were never programmed still hold their erased fill, so a
// freshly formatted or lightly used image is almost entirely runs of 0xFF
// with small islands of metadata. Run-length encoding the raw image and then
// gzipping the result collapses that dead space almost completely: a 2 MiB
// image of a formatted chip comes out under a hundred bytes.
//
// The run-length scheme is the one the BMP file format calls RLE8. When a
// byte value B occurs N >= 2 times in a row, B is emitted twice followed by
// one count byte holding N-2; a lone byte is emitted as itself. A run longer
// than 257 bytes is split into multiple encoded runs. Using the byte as its
// own escape means a value occurring exactly twice costs three bytes, which
// is a poor trade in general but irrelevant here, where nearly all savings
// come from multi-kilobyte erased runs and gzip cleans up the rest.
package compression
