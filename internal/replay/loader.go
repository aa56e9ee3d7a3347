package replay

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

const maxInputLine = 8 << 20

// RecordedChangeSet is one change set frame as it was published.
type RecordedChangeSet struct {
	Tick       uint64
	CapturedAt time.Time
	Payload    json.RawMessage
}

// Bundle is a fully loaded replay.
type Bundle struct {
	Directory  string
	Manifest   Manifest
	Header     Header
	Inputs     []InputLine
	ChangeSets []RecordedChangeSet
}

// Load reads a bundle from its directory or from the path of its manifest.
func Load(path string) (*Bundle, error) {
	if path == "" {
		return nil, fmt.Errorf("replay path must be provided")
	}
	dir := path
	if info, err := os.Stat(path); err != nil {
		return nil, err
	} else if !info.IsDir() {
		dir = filepath.Dir(path)
	}

	//1.- Resolve artefact locations through the manifest.
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return nil, err
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if manifest.InputsPath == "" || manifest.ChangeSetsPath == "" || manifest.HeaderPath == "" {
		return nil, fmt.Errorf("manifest is missing artefact paths")
	}

	header, err := ReadHeader(filepath.Join(dir, manifest.HeaderPath))
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	inputs, err := readInputs(filepath.Join(dir, manifest.InputsPath))
	if err != nil {
		return nil, fmt.Errorf("read inputs: %w", err)
	}
	changeSets, err := readChangeSets(filepath.Join(dir, manifest.ChangeSetsPath))
	if err != nil {
		return nil, fmt.Errorf("read change sets: %w", err)
	}
	return &Bundle{Directory: dir, Manifest: manifest, Header: header, Inputs: inputs, ChangeSets: changeSets}, nil
}

func readInputs(path string) ([]InputLine, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(snappy.NewReader(file))
	scanner.Buffer(make([]byte, 0, 64<<10), maxInputLine)
	var lines []InputLine
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var line InputLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}

func readChangeSets(path string) ([]RecordedChangeSet, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder, err := zstd.NewReader(file)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()

	var out []RecordedChangeSet
	header := make([]byte, frameHeaderSize)
	for {
		//1.- A clean EOF on a frame boundary ends the stream.
		if _, err := io.ReadFull(decoder, header); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return nil, fmt.Errorf("frame header: %w", err)
		}
		size := binary.LittleEndian.Uint32(header[16:20])
		payload := make([]byte, size)
		if _, err := io.ReadFull(decoder, payload); err != nil {
			return nil, fmt.Errorf("frame payload: %w", err)
		}
		out = append(out, RecordedChangeSet{
			Tick:       binary.LittleEndian.Uint64(header[0:8]),
			CapturedAt: time.Unix(0, int64(binary.LittleEndian.Uint64(header[8:16]))).UTC(),
			Payload:    payload,
		})
	}
}
