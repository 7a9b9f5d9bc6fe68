package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
)

const modulePrefix = "newsview/"

type listedPackage struct {
	ImportPath   string
	Imports      []string
	TestImports  []string
	XTestImports []string
}

// rule rejects imports from packages under importer to packages under imported.
// Rules without withTests only cover production imports.
type rule struct {
	importer  string
	imported  string
	reason    string
	withTests bool
}

var rules = []rule{
	{importer: "pkg/newsview", imported: "internal/", reason: "pkg/newsview must not import internal/*", withTests: true},
	{importer: "pkg/newsview", imported: "cmd/", reason: "pkg/newsview must not import cmd/*", withTests: true},
	{importer: "internal/", imported: "cmd/", reason: "internal/* must not import cmd/*", withTests: true},
	{importer: "internal/changefeed", imported: "internal/store/", reason: "internal/changefeed must not import stores", withTests: true},
	{importer: "internal/changefeed", imported: "internal/viewsync", reason: "internal/changefeed must not import the engine", withTests: true},
	{importer: "internal/store/", imported: "internal/viewsync", reason: "stores must not import the engine", withTests: true},
	{importer: "internal/store/", imported: "internal/derived", reason: "stores must not import derived views", withTests: true},
	{importer: "internal/viewsync", imported: "internal/store/", reason: "internal/viewsync must depend on the store contract only"},
	{importer: "internal/viewsync", imported: "internal/derived", reason: "internal/viewsync must not import derived views", withTests: true},
	{importer: "internal/fixture", imported: "internal/store/", reason: "internal/fixture must seed through its Mutator interface"},
}

func main() {
	packages, err := listPackages()
	if err != nil {
		fmt.Fprintf(os.Stderr, "arch-check: %v\n", err)
		os.Exit(1)
	}

	violations := collectViolations(packages)
	if len(violations) == 0 {
		_, _ = fmt.Fprintf(os.Stdout, "arch-check: passed\n")
		return
	}

	_, _ = fmt.Fprintf(os.Stdout, "arch-check: architecture violations:\n")
	for _, violation := range violations {
		_, _ = fmt.Fprintf(os.Stdout, "  - %s\n", violation)
	}
	os.Exit(1)
}

func listPackages() ([]listedPackage, error) {
	cmd := exec.Command("go", "list", "-json", "-test", "./...")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("go list -json -test ./...: %w", err)
	}

	decoder := json.NewDecoder(bytes.NewReader(stdout.Bytes()))
	result := make([]listedPackage, 0, 16)
	for {
		var pkg listedPackage
		if err := decoder.Decode(&pkg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("decode go list output: %w", err)
		}
		if pkg.ImportPath == "" {
			continue
		}
		result = append(result, pkg)
	}

	return result, nil
}

func collectViolations(packages []listedPackage) []string {
	found := make(map[string]struct{})

	for _, pkg := range packages {
		if strings.HasSuffix(pkg.ImportPath, ".test") {
			continue
		}
		// go list -test reports test variants as "path [path.test]".
		importer, variant, _ := strings.Cut(pkg.ImportPath, " ")
		check := func(imports []string, testImport bool) {
			for _, imported := range imports {
				reason := violationReason(importer, imported, testImport)
				if reason == "" {
					continue
				}
				entry := fmt.Sprintf("%s -> %s (%s)", importer, imported, reason)
				found[entry] = struct{}{}
			}
		}
		check(pkg.Imports, variant != "")
		check(pkg.TestImports, true)
		check(pkg.XTestImports, true)
	}

	violations := make([]string, 0, len(found))
	for violation := range found {
		violations = append(violations, violation)
	}
	sort.Strings(violations)

	return violations
}

func violationReason(importer, imported string, testImport bool) string {
	imported, _, _ = strings.Cut(imported, " ")
	for _, candidate := range rules {
		if testImport && !candidate.withTests {
			continue
		}
		if strings.HasPrefix(importer, modulePrefix+candidate.importer) &&
			strings.HasPrefix(imported, modulePrefix+candidate.imported) {
			return candidate.reason
		}
	}

	return ""
}
