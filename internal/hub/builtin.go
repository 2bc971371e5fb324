package hub

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// DefaultHost 是内置仓库类型使用的上游站点。
const DefaultHost = "https://huggingface.co"

const (
	TypeModel   = "model"
	TypeDataset = "dataset"
	TypeSpace   = "space"
	TypeCustom  = "custom"
)

func init() {
	MustRegister(TypeMetadata{
		Key:             TypeModel,
		Description:     "model repository ({host}/{id}/resolve/{rev})",
		RequiresRepoID:  true,
		ResolveEndpoint: hostedEndpoint(""),
	})
	MustRegister(TypeMetadata{
		Key:             TypeDataset,
		Description:     "dataset repository ({host}/datasets/{id}/resolve/{rev})",
		RequiresRepoID:  true,
		ResolveEndpoint: hostedEndpoint("datasets"),
	})
	MustRegister(TypeMetadata{
		Key:             TypeSpace,
		Description:     "space repository ({host}/spaces/{id}/resolve/{rev})",
		RequiresRepoID:  true,
		ResolveEndpoint: hostedEndpoint("spaces"),
	})
	MustRegister(TypeMetadata{
		Key:             TypeCustom,
		Description:     "custom endpoint, files are appended to Endpoint",
		RequiresCustom:  true,
		ResolveEndpoint: customEndpoint,
	})
}

func hostedEndpoint(section string) EndpointFunc {
	return func(repoID, revision, _ string) (string, error) {
		repoID = strings.Trim(strings.TrimSpace(repoID), "/")
		if repoID == "" {
			return "", errors.New("repo id required")
		}
		if revision == "" {
			revision = DefaultRevision
		}
		parts := []string{DefaultHost}
		if section != "" {
			parts = append(parts, section)
		}
		parts = append(parts, repoID, "resolve", url.PathEscape(revision))
		return strings.Join(parts, "/"), nil
	}
}

func customEndpoint(_, _, custom string) (string, error) {
	custom = strings.TrimSpace(custom)
	parsed, err := url.Parse(custom)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("endpoint must be http/https: %q", custom)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("endpoint missing host: %q", custom)
	}
	return strings.TrimRight(custom, "/"), nil
}
