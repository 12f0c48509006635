package metadata

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	api "github.com/mohitkumar/approvy/api/v1"
	"github.com/mohitkumar/approvy/logger"
	"github.com/mohitkumar/approvy/model"
	"github.com/mohitkumar/approvy/util"
	"go.uber.org/zap"
)

// LoadDir publishes every template file under dir whose id has no version
// yet. Files are read in name order; .yaml, .yml and .json are accepted.
func (s *MetadataServiceImpl) LoadDir(ctx context.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	loaded := 0
	for _, name := range names {
		var decoder util.EncoderDecoder[model.WorkflowTemplate]
		switch strings.ToLower(filepath.Ext(name)) {
		case ".yaml", ".yml":
			decoder = util.NewYamlEncoderDecoder[model.WorkflowTemplate]()
		case ".json":
			decoder = util.NewJsonEncoderDecoder[model.WorkflowTemplate]()
		default:
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return loaded, err
		}
		tmpl, err := decoder.Decode(data)
		if err != nil {
			return loaded, fmt.Errorf("template file %s: %w", name, err)
		}
		_, err = s.Latest(ctx, tmpl.Id)
		if err == nil {
			logger.Debug("template already published", zap.String("file", name), zap.String("template", tmpl.Id))
			continue
		}
		if !api.IsNotFound(err) {
			return loaded, err
		}
		tmpl.Version = 0
		if _, err := s.Publish(ctx, *tmpl); err != nil {
			return loaded, fmt.Errorf("template file %s: %w", name, err)
		}
		loaded++
	}
	return loaded, nil
}
