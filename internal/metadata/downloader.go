package metadata

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/go-version"
)

const DefinitionAddress string = "https://api.nuget.org/v3/index.json"

// The package carrying Windows.Win32.winmd, used when no package is named.
const DefaultPackageID string = "microsoft.windows.sdk.win32metadata"

var ErrNoMetadataFile = errors.New("package contains no metadata file")

// Downloads the newest version of a NuGet package and extracts its first
// metadata file (.winmd, or .dll assembly) to metadataFileName.
func DownloadMetadata(ctx context.Context, indexAddress, packageID, metadataFileName string) error {
	packageID = strings.ToLower(packageID)
	baseAddress, err := getBaseAddress(ctx, indexAddress)
	if err != nil {
		return err
	}

	versionsResponse, err := queryGet(ctx, fmt.Sprintf("%s%s/index.json", baseAddress, packageID))
	if err != nil {
		return fmt.Errorf("could not list versions of %s: %w", packageID, err)
	}
	versions, err := parse[map[string][]string](versionsResponse)
	if err != nil {
		return fmt.Errorf("could not parse versions of %s: %w", packageID, err)
	}

	latest, err := latestVersion(versions["versions"])
	if err != nil {
		return fmt.Errorf("no usable version of %s: %w", packageID, err)
	}

	nugetBytes, err := queryGet(ctx, fmt.Sprintf("%s%s/%s/%s.%s.nupkg", baseAddress, packageID, latest, packageID, latest))
	if err != nil {
		return fmt.Errorf("could not download %s %s: %w", packageID, latest, err)
	}

	bytesReader := bytes.NewReader(nugetBytes)
	nuget, err := zip.NewReader(bytesReader, int64(bytesReader.Len()))
	if err != nil {
		return fmt.Errorf("could not open package %s: %w", packageID, err)
	}

	for _, extension := range []string{".winmd", ".dll"} {
		for _, file := range nuget.File {
			if !strings.EqualFold(filepath.Ext(file.Name), extension) {
				continue
			}

			reader, err := file.Open()
			if err != nil {
				return err
			}
			metadataBytes, err := io.ReadAll(reader)
			reader.Close()
			if err != nil {
				return err
			}

			return os.WriteFile(metadataFileName, metadataBytes, 0644)
		}
	}

	return fmt.Errorf("%s %s: %w", packageID, latest, ErrNoMetadataFile)
}

// Picks the highest version, ignoring entries that do not parse.
func latestVersion(versionStrings []string) (string, error) {
	orderedVersions := make([]*version.Version, 0, len(versionStrings))
	for _, versionString := range versionStrings {
		parsed, err := version.NewVersion(versionString)
		if err != nil {
			continue
		}

		orderedVersions = append(orderedVersions, parsed)
	}

	if len(orderedVersions) == 0 {
		return "", fmt.Errorf("no valid versions among %d entries", len(versionStrings))
	}

	sort.Sort(version.Collection(orderedVersions))
	return orderedVersions[len(orderedVersions)-1].Original(), nil
}

func getBaseAddress(ctx context.Context, indexAddress string) (string, error) {
	response, err := queryGet(ctx, indexAddress)
	if err != nil {
		return "", fmt.Errorf("could not read service index: %w", err)
	}
	index, err := parse[nugetIndex](response)
	if err != nil {
		return "", fmt.Errorf("could not parse service index: %w", err)
	}

	for _, resource := range index.Resources {
		if strings.Contains(resource.Type, "PackageBaseAddress") {
			return resource.Id, nil
		}
	}

	return "", fmt.Errorf("service index has no PackageBaseAddress resource")
}

func parse[T interface{}](source []byte) (T, error) {
	var parsedBody T
	err := json.Unmarshal(source, &parsedBody)
	return parsedBody, err
}

func queryGet(ctx context.Context, url string) ([]byte, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	response, err := http.DefaultClient.Do(request)
	if err != nil {
		return nil, err
	}

	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: unexpected status %s", url, response.Status)
	}

	return io.ReadAll(response.Body)
}

type nugetIndex struct {
	Resources []nugetResource `json:"resources"`
}

type nugetResource struct {
	Id   string `json:"@id"`
	Type string `json:"@type"`
}
