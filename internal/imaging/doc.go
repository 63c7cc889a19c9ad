// Package imaging holds the pixel-level operations used by the postprocessing
// pipeline: text overlay, watermark, letterbox, blurhash, colour conversion,
// and output-format negotiation plus encoding.
//
// Single-frame codecs run in process. Animated WEBP and MP4 are produced by an
// ffmpeg binary, so those two paths need ffmpeg on PATH (or configured).
package imaging
