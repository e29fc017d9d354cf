package engine

// quantCodec is the shared contract between the product quantizer and the
// scalar quantizer: both compress a float32 vector into a fixed-size byte
// code and can approximately reconstruct it for distance computation. IVF
// uses this to store compressed vectors per cell instead of raw vectors.
type quantCodec interface {
	train(vectors [][]float32) error
	trained() bool
	encode(v []float32) []byte
	decode(code []byte) []float32
	codeLen() int
}
