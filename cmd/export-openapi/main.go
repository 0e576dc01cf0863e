// Command export-openapi writes the service's OpenAPI document to disk.
//
//	export-openapi [path] [--no-transform] [--validate]
//
// The output path defaults to openapi.json in the working directory and
// must stay inside it; symlinks are resolved before that containment
// check. --no-transform keeps the mechanical operation ids, --validate
// reloads the written bytes through the kin-openapi loader.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/mindgauge/backend/internal/openapi"
)

const defaultName = "openapi.json"

// Exit codes, one per failure stage.
const (
	exitOK       = 0
	exitAssembly = 1
	exitEncode   = 2
	exitWrite    = 3
	exitBadPath  = 4
	exitValidate = 5
)

func main() {
	root, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "export-openapi: %v\n", err)
		os.Exit(exitBadPath)
	}
	os.Exit(run(os.Args[1:], root, os.Stdout, os.Stderr))
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: export-openapi [path] [--no-transform] [--validate]")
}

func run(args []string, root string, stdout, stderr io.Writer) int {
	outArg := defaultName
	noTransform := false
	validate := false
	positionals := 0

	for _, arg := range args {
		switch {
		case arg == "--no-transform":
			noTransform = true
		case arg == "--validate":
			validate = true
		case arg == "-h" || arg == "--help":
			usage(stdout)
			return exitOK
		case strings.HasPrefix(arg, "-"):
			fmt.Fprintf(stderr, "export-openapi: unknown flag %s\n", arg)
			usage(stderr)
			return exitEncode
		default:
			if positionals > 0 {
				fmt.Fprintln(stderr, "export-openapi: at most one output path")
				usage(stderr)
				return exitEncode
			}
			outArg = arg
			positionals++
		}
	}

	target, err := resolveOutput(root, outArg)
	if err != nil {
		fmt.Fprintf(stderr, "export-openapi: %v\n", err)
		return exitBadPath
	}

	doc := openapi.Document()
	if !noTransform {
		openapi.Transform(doc)
	}
	if err := doc.Validate(context.Background()); err != nil {
		fmt.Fprintf(stderr, "export-openapi: document failed to assemble: %v\n", err)
		return exitAssembly
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		fmt.Fprintf(stderr, "export-openapi: encoding document: %v\n", err)
		return exitEncode
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		fmt.Fprintf(stderr, "export-openapi: %v\n", err)
		return exitWrite
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		fmt.Fprintf(stderr, "export-openapi: %v\n", err)
		return exitWrite
	}

	if validate {
		loader := openapi3.NewLoader()
		reloaded, err := loader.LoadFromData(data)
		if err == nil {
			err = reloaded.Validate(loader.Context)
		}
		if err != nil {
			fmt.Fprintf(stderr, "export-openapi: written document failed validation: %v\n", err)
			return exitValidate
		}
	}

	fmt.Fprintf(stdout, "Wrote %s (%d bytes)\n", target, len(data))
	return exitOK
}

// resolveOutput canonicalizes the output path and rejects anything that
// lands outside the project root once symlinks are resolved. Passing a
// directory places the default file name inside it.
func resolveOutput(root, arg string) (string, error) {
	rootCanon, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("resolving project root: %w", err)
	}

	target := arg
	if !filepath.IsAbs(target) {
		target = filepath.Join(rootCanon, target)
	}
	target = filepath.Clean(target)
	if fi, err := os.Stat(target); err == nil && fi.IsDir() {
		target = filepath.Join(target, defaultName)
	}

	canon, err := canonicalize(target)
	if err != nil {
		return "", fmt.Errorf("resolving output path: %w", err)
	}
	if canon != rootCanon && !strings.HasPrefix(canon, rootCanon+string(filepath.Separator)) {
		return "", fmt.Errorf("output path %s is outside the project root %s", canon, rootCanon)
	}
	if canon == rootCanon {
		return "", fmt.Errorf("output path is the project root itself")
	}
	return canon, nil
}

// canonicalize resolves symlinks for a path that may not exist yet: the
// deepest existing ancestor is resolved and the missing remainder is
// appended back.
func canonicalize(path string) (string, error) {
	remainder := ""
	for cur := path; ; {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(resolved, remainder), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", err
		}
		remainder = filepath.Join(filepath.Base(cur), remainder)
		cur = parent
	}
}
