package metadata

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nupkg(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	writer := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := writer.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	return buf.Bytes()
}

func nugetServer(t *testing.T, versions string, packages map[string][]byte) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	var server *httptest.Server
	mux.HandleFunc("/index.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"resources":[{"@id":"%s/search","@type":"SearchQueryService"},{"@id":"%s/flat/","@type":"PackageBaseAddress/3.0.0"}]}`, server.URL, server.URL)
	})
	mux.HandleFunc("/flat/contoso.bank/index.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, versions)
	})
	for version, content := range packages {
		content := content
		mux.HandleFunc(fmt.Sprintf("/flat/contoso.bank/%s/contoso.bank.%s.nupkg", version, version), func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write(content)
		})
	}

	server = httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestDownloadMetadata_PicksNewestVersion(t *testing.T) {
	server := nugetServer(t, `{"versions":["1.2.0","1.10.0","not-a-version","1.9.3"]}`, map[string][]byte{
		"1.10.0": nupkg(t, map[string]string{"lib/Contoso.Bank.dll": "assembly", "readme.md": "docs"}),
		"1.9.3":  nupkg(t, map[string]string{"lib/Contoso.Bank.dll": "old"}),
	})

	dest := filepath.Join(t.TempDir(), "Contoso.Bank.dll")
	err := DownloadMetadata(context.Background(), server.URL+"/index.json", "Contoso.Bank", dest)
	require.NoError(t, err)

	content, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "assembly", string(content))
}

func TestDownloadMetadata_PrefersWinMd(t *testing.T) {
	server := nugetServer(t, `{"versions":["2.0.0"]}`, map[string][]byte{
		"2.0.0": nupkg(t, map[string]string{"lib/Helper.dll": "dll", "Windows.Win32.winmd": "winmd"}),
	})

	dest := filepath.Join(t.TempDir(), "out.winmd")
	require.NoError(t, DownloadMetadata(context.Background(), server.URL+"/index.json", "contoso.bank", dest))

	content, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "winmd", string(content))
}

func TestDownloadMetadata_NoMetadataFile(t *testing.T) {
	server := nugetServer(t, `{"versions":["1.0.0"]}`, map[string][]byte{
		"1.0.0": nupkg(t, map[string]string{"readme.md": "docs"}),
	})

	err := DownloadMetadata(context.Background(), server.URL+"/index.json", "contoso.bank", filepath.Join(t.TempDir(), "x"))
	assert.ErrorIs(t, err, ErrNoMetadataFile)
}

func TestDownloadMetadata_MissingPackage(t *testing.T) {
	server := nugetServer(t, `{"versions":[]}`, nil)

	err := DownloadMetadata(context.Background(), server.URL+"/index.json", "contoso.bank", filepath.Join(t.TempDir(), "x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no usable version")
}

func TestLatestVersion(t *testing.T) {
	latest, err := latestVersion([]string{"0.9.0", "10.0.0-preview", "2.1.0"})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0-preview", latest)

	_, err = latestVersion([]string{"garbage"})
	assert.Error(t, err)
}
