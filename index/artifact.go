package index

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/instbooks/stacks/codecs"
)

// artifactMagic begins every persisted index artifact,
// followed by a single version byte.
var artifactMagic = []byte("stacks-index\x00")

const artifactVersion = 0x01

// ArtifactPath is the canonical artifact path of a source file:
// the source path with an ".index" suffix.
func ArtifactPath(sourcePath string) string { return sourcePath + ".index" }

type persistedIndex struct {
	Source  SourceFile `json:"source"`
	Entries []Entry    `json:"entries"`
}

// Store writes the Index as an artifact at |path|. The artifact exactly
// round-trips keys, offsets, lengths, and the build-time fingerprint. It
// is staged to a temporary file and atomically renamed into place, so a
// concurrent or cancelled Store never exposes a partially written artifact.
func (x *Index) Store(path string) error {
	var dir = filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, ".index-*.tmp")
	if err != nil {
		return errors.Wrapf(err, "creating temporary artifact in %s", dir)
	}
	defer os.Remove(tmp.Name())

	if err = writeArtifact(tmp, x); err != nil {
		_ = tmp.Close()
		return errors.Wrapf(err, "writing artifact %s", tmp.Name())
	} else if err = tmp.Close(); err != nil {
		return errors.Wrapf(err, "closing artifact %s", tmp.Name())
	} else if err = os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrapf(err, "renaming artifact into place")
	}
	return nil
}

func writeArtifact(w io.Writer, x *Index) error {
	if _, err := w.Write(artifactMagic); err != nil {
		return err
	} else if _, err = w.Write([]byte{artifactVersion}); err != nil {
		return err
	}

	var compressor, err = codecs.NewCodecWriter(w, codecs.Snappy)
	if err != nil {
		return err
	}
	var entries = make([]Entry, 0, len(x.entries))
	for _, key := range x.keys {
		entries = append(entries, x.entries[key])
	}
	if err = json.NewEncoder(compressor).Encode(persistedIndex{
		Source:  x.Source,
		Entries: entries,
	}); err != nil {
		return err
	}
	return compressor.Close()
}

// Load reads an Index artifact from |path|.
func Load(path string) (*Index, error) {
	var f, err = os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening artifact %s", path)
	}
	defer f.Close()

	var header = make([]byte, len(artifactMagic)+1)
	if _, err = io.ReadFull(f, header); err != nil {
		return nil, errors.Wrapf(err, "reading artifact header of %s", path)
	} else if !bytes.Equal(header[:len(artifactMagic)], artifactMagic) {
		return nil, errors.Errorf("%s is not an index artifact", path)
	} else if header[len(artifactMagic)] != artifactVersion {
		return nil, errors.Errorf("%s has unsupported artifact version %#x",
			path, header[len(artifactMagic)])
	}

	decompressor, err := codecs.NewCodecReader(f, codecs.Snappy)
	if err != nil {
		return nil, err
	}
	defer decompressor.Close()

	var persisted persistedIndex
	if err = json.NewDecoder(decompressor).Decode(&persisted); err != nil {
		return nil, errors.Wrapf(err, "decoding artifact %s", path)
	}

	var entries = make(map[string]Entry, len(persisted.Entries))
	for _, e := range persisted.Entries {
		entries[e.Key] = e
	}
	return newIndex(persisted.Source, entries), nil
}

// BuildOrReuse loads the artifact of cfg.Path if one exists and its
// recorded fingerprint still matches the file, and otherwise builds the
// index and stores a fresh artifact. |overwrite| forces a rebuild.
// The boolean result indicates whether an existing artifact was reused.
func BuildOrReuse(ctx context.Context, cfg BuildConfig, overwrite bool) (*Index, Summary, bool, error) {
	var path = ArtifactPath(cfg.Path)

	if !overwrite {
		if x, err := Load(path); err == nil {
			if fp, fpErr := TakeFingerprint(cfg.Path); fpErr == nil && fp.Matches(x.Source.Fingerprint) {
				log.WithFields(log.Fields{"path": cfg.Path, "entries": x.Len()}).
					Info("reusing index artifact")
				return x, Summary{Indexed: x.Len()}, true, nil
			}
			log.WithField("path", cfg.Path).Info("index artifact is stale; rebuilding")
		} else if !os.IsNotExist(errors.Cause(err)) {
			log.WithFields(log.Fields{"path": path, "err": err}).
				Warn("failed to load index artifact; rebuilding")
		}
	}

	x, summary, err := Build(ctx, cfg)
	if err != nil {
		return nil, summary, false, err
	}
	if err = x.Store(path); err != nil {
		return nil, summary, false, err
	}
	return x, summary, false, nil
}
