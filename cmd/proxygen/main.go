// Command proxygen generates JavaScript proxy classes for host types.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"proxybridge/internal"
	"proxybridge/internal/generation"
	"proxybridge/internal/manifest"
	"proxybridge/internal/metadata"
	"strings"
)

var errUnresolved = errors.New("some types could not be resolved")

func main() {
	var manifestPath = flag.String("manifest", "", "The path to a YAML manifest describing the types to generate.")
	var metadataFilePath = flag.String("metadataPath", "", "The path to the .winmd or assembly file to read types from.")
	var inputFilePath = flag.String("input", "", "The path to the file listing the fully-qualified type names to read from the metadata file, one per line.")
	var download = flag.Bool("download", false, "If given downloads the metadata file from NuGet when it does not exist.")
	var packageID = flag.String("packageId", metadata.DefaultPackageID, "The NuGet package carrying the metadata file.")
	var outputPath = flag.String("outputPath", "./output/", "The path where all generated files will be placed.")
	var forceClean = flag.Bool("forceCleanOutput", false, "If given forces cleaning output directory before generation.")
	var bindingsPath = flag.String("bindings", "", "If given writes a Go file registering the generated host types with a dispatcher.")
	var bindingsPackage = flag.String("bindingsPackage", "bindings", "The package name of the host bindings file.")
	var indentWidth = flag.Int("indent", generation.DefaultIndentWidth, "The number of spaces per indentation level.")
	var printSchema = flag.Bool("printSchema", false, "Prints the JSON schema of the manifest format and exits.")
	var verbose = flag.Bool("verbose", false, "Enables debug logging.")
	flag.Usage = func() {
		fmt.Println("App that generates JavaScript proxies of host types.")
		flag.PrintDefaults()
	}

	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if *printSchema {
		schema, err := manifest.Schema()
		internal.PanicOnError(err)
		fmt.Println(string(schema))
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	descriptors, err := loadDescriptors(ctx, logger, sourceOptions{
		manifestPath: *manifestPath,
		metadataPath: *metadataFilePath,
		inputPath:    *inputFilePath,
		download:     *download,
		packageID:    *packageID,
	})
	if err != nil && !errors.Is(err, errUnresolved) {
		logger.Error("could not load types", "error", err)
		os.Exit(1)
	}
	unresolved := err != nil

	if err := prepareOutput(*outputPath, *forceClean); err != nil {
		logger.Error("could not prepare output directory", "path", *outputPath, "error", err)
		os.Exit(1)
	}

	var writeFailed bool
	generator := generation.NewGenerator(generation.SharedCache(), func(fullName, text string) {
		path := filepath.Join(*outputPath, generation.FileName(fullName))
		if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
			logger.Error("could not write proxy", "type", fullName, "path", path, "error", err)
			writeFailed = true
		}
	}, generation.WithIndentWidth(*indentWidth), generation.WithLogger(logger))

	for _, descriptor := range descriptors {
		generator.Generate(descriptor)
	}

	if *bindingsPath != "" {
		if err := writeBindings(*bindingsPath, *bindingsPackage, descriptors); err != nil {
			logger.Error("could not write host bindings", "path", *bindingsPath, "error", err)
			os.Exit(1)
		}
	}

	if unresolved || writeFailed {
		os.Exit(1)
	}
}

type sourceOptions struct {
	manifestPath string
	metadataPath string
	inputPath    string
	download     bool
	packageID    string
}

// loadDescriptors returns every resolvable type. When some requested types
// cannot be resolved the error wraps errUnresolved and the descriptors of
// the others are still returned.
func loadDescriptors(ctx context.Context, logger *slog.Logger, options sourceOptions) ([]metadata.TypeDescriptor, error) {
	var descriptors []metadata.TypeDescriptor
	if options.manifestPath != "" {
		m, err := manifest.Load(options.manifestPath)
		if err != nil {
			return nil, err
		}
		descriptors = append(descriptors, m.Descriptors()...)
	}

	if options.inputPath == "" {
		if len(descriptors) == 0 {
			return nil, errors.New("either -manifest or -input has to be given")
		}
		return descriptors, nil
	}

	if options.metadataPath == "" {
		return nil, errors.New("-input requires -metadataPath")
	}

	if _, err := os.Stat(options.metadataPath); errors.Is(err, os.ErrNotExist) {
		if !options.download {
			return nil, fmt.Errorf("metadata file %s does not exist, use -download to fetch it", options.metadataPath)
		}
		logger.Info("downloading metadata", "package", options.packageID, "path", options.metadataPath)
		if err := metadata.DownloadMetadata(ctx, metadata.DefinitionAddress, options.packageID, options.metadataPath); err != nil {
			return nil, err
		}
	}

	reader, err := metadata.NewReader(options.metadataPath, logger)
	if err != nil {
		return nil, err
	}

	typeNames, err := readTypeNames(options.inputPath)
	if err != nil {
		return nil, err
	}

	var unresolved []string
	for _, typeName := range typeNames {
		descriptor, found, err := reader.TryGetType(typeName)
		switch {
		case err != nil:
			logger.Error("could not read type", "type", typeName, "error", err)
			unresolved = append(unresolved, typeName)
		case !found:
			logger.Error("type not found", "type", typeName)
			unresolved = append(unresolved, typeName)
		default:
			descriptors = append(descriptors, descriptor)
		}
	}

	if len(unresolved) > 0 {
		return descriptors, fmt.Errorf("%w: %s", errUnresolved, strings.Join(unresolved, ", "))
	}

	return descriptors, nil
}

// readTypeNames reads one fully-qualified type name per line, skipping blank
// lines and lines starting with '#'.
func readTypeNames(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open input file: %w", err)
	}
	defer file.Close()

	var names []string
	fileScanner := bufio.NewScanner(file)
	for fileScanner.Scan() {
		line := strings.TrimSpace(fileScanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		names = append(names, line)
	}

	if err := fileScanner.Err(); err != nil {
		return nil, fmt.Errorf("could not read input file: %w", err)
	}

	return names, nil
}

func prepareOutput(path string, forceClean bool) error {
	err := os.MkdirAll(path, os.ModePerm)
	if err != nil && !errors.Is(err, fs.ErrExist) {
		return err
	}

	return ClearDirectoryIfNotEmpty(path, forceClean, os.Stdin, os.Stdout)
}

func writeBindings(path, packageName string, descriptors []metadata.TypeDescriptor) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return generation.GenerateBinding(packageName, descriptors, file)
}

var errNoAgreement = errors.New("explicit agreement was not given")

// ClearDirectoryIfNotEmpty removes the contents of path. Unless silent, the
// user is asked first.
func ClearDirectoryIfNotEmpty(path string, silent bool, in io.Reader, out io.Writer) error {
	entries, err := os.ReadDir(path)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	if !silent {
		var response string
		fmt.Fprint(out, "Output directory is not empty. Continuation will result in removing all output files. Proceed? [Y/n]")
		fmt.Fscan(in, &response)
		if strings.ToUpper(response) != "Y" {
			return errNoAgreement
		}
	}

	fmt.Fprintln(out, "Cleaning output directory.")
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(path, entry.Name())); err != nil {
			return err
		}
	}

	return nil
}
