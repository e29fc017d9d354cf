// Package annindex implements a mutable, persistable approximate
// nearest-neighbor vector index: it associates opaque, application-chosen
// identifiers with fixed-dimensional vectors and supports build, update,
// remove, and k-NN query against a factory-configurable ANN engine.
//
// Ingestion, CLIs, classifier scoring, and IQR session bookkeeping are out
// of scope; the IQR session is an external collaborator reached only
// through RankModel/Reset.
package annindex
