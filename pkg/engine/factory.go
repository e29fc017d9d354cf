package engine

import (
	"fmt"
	"strconv"
	"strings"
)

// terminalKind identifies which concrete index type a factory string's
// final stage (or the base stage nested inside an IVF token) builds.
type terminalKind int

const (
	terminalFlat terminalKind = iota
	terminalHNSW
	terminalPQ
	terminalSQ
)

// Pipeline is the parsed form of a factory string: an optional PCAR
// preprocessing stage, an optional IDMap wrapper (recorded but a no-op —
// every adapter here already keys on arbitrary uint64 ids, so there is no
// dense-id translation left for IDMap to do), an optional IVF coarse
// quantizer, and a terminal index kind. Grounded on the factory-string
// grammar in NerdMeNot-faiss-go's factory.go (ParseIndexDescription),
// generalized with the PQ/SQ tokens this module's domain stack adds.
type Pipeline struct {
	Raw      string
	PCAOut   int  // 0 if no PCAR stage
	HasIDMap bool
	IVFNList int // 0 if no IVF stage
	Terminal terminalKind
	TermArg  int // HNSW's M, or PQ's nbytes, or SQ's nbits; unused for Flat
}

// ParseFactoryString parses a comma-separated factory string into a
// Pipeline. dim is the vector dimension the Descriptor Store enforces,
// needed to validate PCAR's output dimension.
func ParseFactoryString(s string, dim int) (Pipeline, error) {
	if strings.TrimSpace(s) == "" {
		return Pipeline{}, fmt.Errorf("engine: empty factory string")
	}
	tokens := strings.Split(s, ",")
	for i := range tokens {
		tokens[i] = strings.TrimSpace(tokens[i])
	}

	p := Pipeline{Raw: s}
	i := 0

	if i < len(tokens) && strings.HasPrefix(tokens[i], "PCAR") {
		n, err := parseSuffixInt(tokens[i], "PCAR")
		if err != nil {
			return Pipeline{}, err
		}
		if n <= 0 || n > dim {
			return Pipeline{}, fmt.Errorf("engine: PCAR output dimension must be in (0, %d], got %d", dim, n)
		}
		p.PCAOut = n
		i++
	}

	if i < len(tokens) && (tokens[i] == "IDMap" || tokens[i] == "IDMap2") {
		p.HasIDMap = true
		i++
	}

	if i >= len(tokens) {
		return Pipeline{}, fmt.Errorf("engine: factory string %q has no terminal index stage", s)
	}

	switch {
	case strings.HasPrefix(tokens[i], "IVF"):
		n, err := parseSuffixInt(tokens[i], "IVF")
		if err != nil {
			return Pipeline{}, err
		}
		if n <= 0 {
			return Pipeline{}, fmt.Errorf("engine: IVF cell count must be > 0, got %d", n)
		}
		p.IVFNList = n
		i++
		if i >= len(tokens) {
			return Pipeline{}, fmt.Errorf("engine: IVF requires a base index token, got end of string in %q", s)
		}
		if err := parseTerminal(tokens[i], &p); err != nil {
			return Pipeline{}, err
		}
		if p.Terminal == terminalHNSW {
			return Pipeline{}, fmt.Errorf("engine: HNSW cannot be used as an IVF base in %q", s)
		}
		i++
	default:
		if err := parseTerminal(tokens[i], &p); err != nil {
			return Pipeline{}, err
		}
		i++
	}

	if i != len(tokens) {
		return Pipeline{}, fmt.Errorf("engine: unrecognized trailing tokens in factory string %q: %v", s, tokens[i:])
	}
	return p, nil
}

func parseTerminal(token string, p *Pipeline) error {
	switch {
	case token == "Flat":
		p.Terminal = terminalFlat
	case strings.HasPrefix(token, "HNSW"):
		m, err := parseSuffixInt(token, "HNSW")
		if err != nil {
			return err
		}
		p.Terminal = terminalHNSW
		p.TermArg = m
	case strings.HasPrefix(token, "PQ"):
		n, err := parseSuffixInt(token, "PQ")
		if err != nil {
			return err
		}
		p.Terminal = terminalPQ
		p.TermArg = n
	case strings.HasPrefix(token, "SQ"):
		n, err := parseSuffixInt(token, "SQ")
		if err != nil {
			return err
		}
		p.Terminal = terminalSQ
		p.TermArg = n
	default:
		return fmt.Errorf("engine: unrecognized factory token %q", token)
	}
	return nil
}

func parseSuffixInt(token, prefix string) (int, error) {
	suffix := strings.TrimPrefix(token, prefix)
	if suffix == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(suffix)
	if err != nil {
		return 0, fmt.Errorf("engine: malformed factory token %q: %w", token, err)
	}
	return n, nil
}

// build realizes a Pipeline into a concrete Adapter tree: an optional PCAR
// wrapper around an optional IVF wrapper around the terminal index. dim is
// the input dimension (pre-PCAR) the pipeline was parsed against.
func build(p Pipeline, dim int, opts Options) (Adapter, error) {
	if p.PCAOut == 0 {
		return buildTerminalStage(p, dim, opts)
	}

	workingDim := p.PCAOut
	var buildErr error
	a, err := newPCARAdapter(dim, workingDim, opts.RandomSeed, func() Adapter {
		inner, err := buildTerminalStage(p, workingDim, opts)
		if err != nil {
			buildErr = err
			return nil
		}
		return inner
	})
	if err != nil {
		return nil, err
	}
	if buildErr != nil {
		return nil, buildErr
	}
	return a, nil
}

func buildTerminalStage(p Pipeline, dim int, opts Options) (Adapter, error) {
	if p.IVFNList > 0 {
		var codec quantCodec
		switch p.Terminal {
		case terminalFlat:
			codec = nil
		case terminalPQ:
			q, err := newProductQuantizer(dim, p.TermArg, opts.RandomSeed)
			if err != nil {
				return nil, err
			}
			codec = q
		case terminalSQ:
			q, err := newScalarQuantizer(dim, p.TermArg)
			if err != nil {
				return nil, err
			}
			codec = q
		default:
			return nil, fmt.Errorf("engine: unsupported IVF base kind")
		}
		return NewIVFIndex(dim, p.IVFNList, opts.NProbe, codec, opts.RandomSeed)
	}

	switch p.Terminal {
	case terminalFlat:
		return NewFlatIndex(dim), nil
	case terminalHNSW:
		return NewHNSWIndex(dim, p.TermArg, opts.RandomSeed), nil
	case terminalPQ:
		return NewPQIndex(dim, p.TermArg, opts.RandomSeed)
	case terminalSQ:
		return NewSQIndex(dim, p.TermArg)
	default:
		return nil, fmt.Errorf("engine: unsupported terminal kind")
	}
}

// RecommendFactoryString proposes a factory string for n vectors of
// dimension d, mirroring NerdMeNot-faiss-go's RecommendIndex heuristic:
// small collections stay exact (Flat); mid-size collections get an IVF
// coarse quantizer sized to roughly sqrt(n) cells; nothing here ever
// recommends HNSW or quantized bases, since those trade off recall/removal
// semantics a caller should opt into deliberately.
func RecommendFactoryString(n, d int) string {
	switch {
	case n <= 1000:
		return "IDMap,Flat"
	case n <= 1_000_000:
		nlist := isqrt(n)
		if nlist < 1 {
			nlist = 1
		}
		return fmt.Sprintf("IDMap,IVF%d,Flat", nlist)
	default:
		nlist := isqrt(n) * 4
		return fmt.Sprintf("IDMap,IVF%d,Flat", nlist)
	}
}

func isqrt(n int) int {
	if n <= 0 {
		return 0
	}
	x := n
	for i := 0; i < 40; i++ {
		x = (x + n/x) / 2
	}
	return x
}
