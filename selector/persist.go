package selector

import (
	"encoding/gob"
	"fmt"
	"os"

	"github.com/vmihailenco/msgpack/v5"
)

// Persisted state is split in two files, mirroring the save contract of the
// training pipeline: <base>.weights.gob holds the opaque network state
// (weights plus optimizer moments), and <base>.meta.msgpack holds everything
// needed to reconstruct the Selector around it (config, layer description,
// normalization state). Load reads the metadata first, rebuilds the model,
// then re-attaches the weights.

const (
	weightsSuffix = ".weights.gob"
	metaSuffix    = ".meta.msgpack"
)

type layerMeta struct {
	Kind       string  `msgpack:"kind"`
	Units      int     `msgpack:"units"`
	Rate       float64 `msgpack:"rate"`
	Activation string  `msgpack:"activation"`
}

type metadata struct {
	Config    Config      `msgpack:"config"`
	Layers    []layerMeta `msgpack:"layers"`
	InputDim  int         `msgpack:"input_dim"`
	OutputDim int         `msgpack:"output_dim"`
	Steps     int         `msgpack:"steps"`
	Fitted    bool        `msgpack:"fitted"`
	ImpMeans  []float64   `msgpack:"imp_means"`
	PMean     []float64   `msgpack:"p_mean"`
	PStd      []float64   `msgpack:"p_std"`
	TMean     []float64   `msgpack:"t_mean"`
	TStd      []float64   `msgpack:"t_std"`
}

type weightsBlob struct {
	W  [][][]float32
	B  [][]float32
	MW [][][]float32
	VW [][][]float32
	MB [][]float32
	VB [][]float32
}

// Save writes the model to <base>.weights.gob and <base>.meta.msgpack.
func Save(s *Selector, base string) error {
	if len(s.nodes) == 0 {
		return fmt.Errorf("selector: cannot save an unbuilt model")
	}

	meta := metadata{
		Config:    s.cfg,
		InputDim:  s.inputDim,
		OutputDim: s.outputDim,
		Steps:     s.steps,
		Fitted:    s.fitted,
		ImpMeans:  s.impMeans,
		PMean:     s.pMean,
		PStd:      s.pStd,
		TMean:     s.tMean,
		TStd:      s.tStd,
	}
	var blob weightsBlob
	for _, n := range s.nodes {
		switch n.kind {
		case nodeDense:
			meta.Layers = append(meta.Layers, layerMeta{
				Kind:       "dense",
				Units:      len(n.b),
				Activation: string(n.act),
			})
			blob.W = append(blob.W, n.w)
			blob.B = append(blob.B, n.b)
			blob.MW = append(blob.MW, n.mW)
			blob.VW = append(blob.VW, n.vW)
			blob.MB = append(blob.MB, n.mB)
			blob.VB = append(blob.VB, n.vB)
		case nodeDropout:
			meta.Layers = append(meta.Layers, layerMeta{Kind: "dropout", Rate: n.rate})
		}
	}

	metaBytes, err := msgpack.Marshal(&meta)
	if err != nil {
		return fmt.Errorf("selector: encode metadata: %w", err)
	}
	if err := os.WriteFile(base+metaSuffix, metaBytes, 0o644); err != nil {
		return fmt.Errorf("selector: write %s: %w", base+metaSuffix, err)
	}

	f, err := os.Create(base + weightsSuffix)
	if err != nil {
		return fmt.Errorf("selector: write %s: %w", base+weightsSuffix, err)
	}
	defer f.Close()
	if err := gob.NewEncoder(f).Encode(&blob); err != nil {
		return fmt.Errorf("selector: encode weights: %w", err)
	}
	return nil
}

// Load reconstructs a model saved with Save.
func Load(base string) (*Selector, error) {
	metaBytes, err := os.ReadFile(base + metaSuffix)
	if err != nil {
		return nil, fmt.Errorf("selector: read %s: %w", base+metaSuffix, err)
	}
	var meta metadata
	if err := msgpack.Unmarshal(metaBytes, &meta); err != nil {
		return nil, fmt.Errorf("selector: decode metadata: %w", err)
	}

	layers := make([]Layer, 0, len(meta.Layers))
	for _, lm := range meta.Layers {
		switch lm.Kind {
		case "dense":
			layers = append(layers, Dense{Units: lm.Units, Activation: Activation(lm.Activation)})
		case "dropout":
			layers = append(layers, Dropout{Rate: lm.Rate})
		default:
			return nil, fmt.Errorf("selector: unknown layer kind %q in metadata", lm.Kind)
		}
	}

	s := New(meta.Config)
	if err := s.Build(layers, meta.InputDim); err != nil {
		return nil, err
	}
	s.steps = meta.Steps
	s.fitted = meta.Fitted
	s.impMeans = meta.ImpMeans
	s.pMean = meta.PMean
	s.pStd = meta.PStd
	s.tMean = meta.TMean
	s.tStd = meta.TStd

	f, err := os.Open(base + weightsSuffix)
	if err != nil {
		return nil, fmt.Errorf("selector: read %s: %w", base+weightsSuffix, err)
	}
	defer f.Close()
	var blob weightsBlob
	if err := gob.NewDecoder(f).Decode(&blob); err != nil {
		return nil, fmt.Errorf("selector: decode weights: %w", err)
	}

	di := 0
	for _, n := range s.nodes {
		if n.kind != nodeDense {
			continue
		}
		if di >= len(blob.W) {
			return nil, fmt.Errorf("selector: weights blob has %d dense layers, metadata describes more", len(blob.W))
		}
		if len(blob.B[di]) != len(n.b) || len(blob.W[di]) != len(n.w) {
			return nil, fmt.Errorf("selector: dense layer %d shape mismatch between weights and metadata", di)
		}
		n.w = blob.W[di]
		n.b = blob.B[di]
		n.mW = blob.MW[di]
		n.vW = blob.VW[di]
		n.mB = blob.MB[di]
		n.vB = blob.VB[di]
		di++
	}
	if di != len(blob.W) {
		return nil, fmt.Errorf("selector: weights blob has %d dense layers, metadata describes %d", len(blob.W), di)
	}
	return s, nil
}
