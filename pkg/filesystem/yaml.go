package filesystem

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/hepix-sync/atrope/pkg/logger"
	yamlV2 "gopkg.in/yaml.v2"
	yamlV3 "gopkg.in/yaml.v3"
)

// StreamReader is a callback function for custom filesystem file loading behavior
type StreamReader func() (io.ReadCloser, error)

// LoadYamlFile is a generic function that loads a YAML file and decodes it
// efficiently (especially for large files) using a streaming approach into
// a struct of type YamlFields, specified by the caller.
func LoadYamlFile[YamlFields any](filepath string, ignoreFormat bool) (*YamlFields, error) {
	reader := func() (io.ReadCloser, error) {
		return os.Open(filepath)
	}
	var yamlFields *YamlFields

	logger.Log(slog.LevelDebug, "decoding", slog.String("filepath", filepath))

	if err := SafeDecodeYaml(reader, &yamlFields, ignoreFormat); err != nil {
		return nil, err
	}

	return yamlFields, nil
}

// SafeDecodeYaml attempts to decode a yaml file in-memory.
// The 1st attempt always uses yaml.v3, which has stricter format rules.
// If 'ignoreFormat' is true, it tries a 2nd attempt using yaml.v2.
// See decodeErrorsToIgnore for the list of legacy errors allowed to be skipped.
func SafeDecodeYaml(reader StreamReader, data interface{}, ignoreFormat bool) error {
	stream1, err := reader()
	if err != nil {
		logger.Log(slog.LevelError, "stream1 failed", logger.Err(err))
		return err
	}

	var stream1Err error
	func() {
		defer stream1.Close()
		decoder1 := yamlV3.NewDecoder(stream1)
		stream1Err = decoder1.Decode(data)
	}()

	if stream1Err == nil || errors.Is(stream1Err, io.EOF) {
		return nil
	}

	if !ignoreFormat {
		logger.Log(slog.LevelError, "safe decode failed", logger.Err(stream1Err))
		return stream1Err
	}
	logger.Log(slog.LevelWarn, "unsafe decode in progress")

	if ignoreError := decodeErrorsToIgnore(stream1Err); !ignoreError {
		logger.Log(slog.LevelError, "safe decode exception", logger.Err(stream1Err))
		return stream1Err
	}

	stream2, err := reader()
	if err != nil {
		logger.Log(slog.LevelError, "stream2 failed", logger.Err(err))
		return err
	}

	var stream2Err error
	func() {
		defer stream2.Close()
		decoder2 := yamlV2.NewDecoder(stream2)
		stream2Err = decoder2.Decode(data)
	}()

	if stream2Err != nil && stream2Err != io.EOF {
		logger.Log(slog.LevelError, "unsafe decode failed", logger.Err(stream2Err))
		return stream2Err
	}

	return nil
}

// decodeErrorsToIgnore checks for yaml.v3 format errors that can be skipped.
// Errors like 'mapping key already defined' can be skipped for legacy config files.
func decodeErrorsToIgnore(err error) (ignore bool) {
	var yamlV3TypeError *yamlV3.TypeError

	if errors.As(err, &yamlV3TypeError) {
		for _, errMsg := range yamlV3TypeError.Errors {
			if strings.Contains(errMsg, "mapping key") && strings.Contains(errMsg, "already defined") {
				return true
			}
		}
	}

	return false
}

// CreateAndOpenYamlFile creates a new yaml file or opens an existing one.
// The behavior is controlled by the truncate flag: if true, the file is
// created or truncated; if false, it's opened for read/write, or created
// if it doesn't exist.
func CreateAndOpenYamlFile(filePath string, truncate bool) (*os.File, error) {
	flags := os.O_RDWR | os.O_CREATE

	if truncate {
		logger.Log(slog.LevelWarn, "truncating", slog.String("file", filePath))
		flags |= os.O_TRUNC
	}

	const permissions = 0644

	file, err := os.OpenFile(filePath, flags, permissions)
	if err != nil {
		logger.Log(slog.LevelError, "open failed", slog.String("file", filePath), logger.Err(err))
		return nil, err
	}

	return file, nil
}

// UpdateYamlFile encodes any data structure to a YAML file.
func UpdateYamlFile(file *os.File, data any) error {
	encoder := yamlV3.NewEncoder(file)
	encoder.SetIndent(2)
	return encoder.Encode(data)
}
