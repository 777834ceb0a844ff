// Command baseco is a thin CLI wrapper around internal/driver (spec §6.3).
// It has no IR front end of its own: -in decodes a JSON-encoded
// internal/testir.Module, the reference IR this repository ships for its
// own test battery, and hands it straight to a driver.Compiler.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/cpu"
	"golang.org/x/sys/unix"

	"github.com/orizon-lang/baseco/internal/backend"
	"github.com/orizon-lang/baseco/internal/driver"
	"github.com/orizon-lang/baseco/internal/elfobj"
	"github.com/orizon-lang/baseco/internal/testir"
)

// inputPaths collects every -in occurrence; -jobs N compiles them
// concurrently through N independent driver.Compiler instances (spec §5).
type inputPaths []string

func (p *inputPaths) String() string   { return strings.Join(*p, ",") }
func (p *inputPaths) Set(v string) error {
	*p = append(*p, v)
	return nil
}

func main() {
	var ins inputPaths
	flag.Var(&ins, "in", "path to a JSON-encoded IR module (repeatable)")
	target := flag.String("target", "native", "compilation target: amd64|arm64|native")
	out := flag.String("out", "-", "output object path ('-' for stdout; a directory when -in repeats)")
	jobs := flag.Int("jobs", 1, "number of input modules to compile concurrently")
	watch := flag.Bool("watch", false, "recompile whenever an input file changes")
	minIRVersion := flag.String("min-ir-version", "", "reject modules whose IR format version fails this constraint")
	flag.Usage = usage
	flag.Parse()

	if len(ins) == 0 {
		fmt.Fprintln(os.Stderr, "baseco: at least one -in is required")
		usage()
		os.Exit(1)
	}

	var constraint *semver.Constraints
	if *minIRVersion != "" {
		c, err := semver.NewConstraint(*minIRVersion)
		if err != nil {
			log.Fatalf("baseco: invalid -min-ir-version %q: %v", *minIRVersion, err)
		}
		constraint = c
	}

	arch, err := resolveArch(*target)
	if err != nil {
		log.Fatalf("baseco: %v", err)
	}

	if *jobs < 1 {
		*jobs = 1
	}

	run := func() bool { return compileAll(ins, arch, constraint, *out, *jobs) }

	if !*watch {
		if !run() {
			os.Exit(1)
		}
		return
	}

	watchAndRun(ins, run)
}

func usage() {
	fmt.Println("baseco - baseline SSA-to-ELF code generator")
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("    baseco -in module.json [-in module2.json ...] [OPTIONS]")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("    -in PATH            JSON-encoded IR module (repeatable)")
	fmt.Println("    -target ARCH        amd64|arm64|native (default native)")
	fmt.Println("    -out PATH           output path, '-' for stdout (default -)")
	fmt.Println("    -jobs N             compile N input modules concurrently (default 1)")
	fmt.Println("    -watch              recompile on input file changes")
	fmt.Println("    -min-ir-version C   reject modules whose IR version fails constraint C")
}

// resolveArch maps -target to a backend.Arch. "native" reads the running
// binary's own GOARCH (it cannot target a different machine than the one
// it runs on) and logs the host's feature bits via golang.org/x/sys/cpu,
// which this backend does not otherwise act on (spec §1.B).
func resolveArch(target string) (backend.Arch, error) {
	switch target {
	case "amd64":
		return backend.AMD64, nil
	case "arm64":
		return backend.ARM64, nil
	case "native":
		switch runtime.GOARCH {
		case "amd64":
			log.Printf("baseco: native target amd64, AVX2=%v SSE4.2=%v", cpu.X86.HasAVX2, cpu.X86.HasSSE42)
			return backend.AMD64, nil
		case "arm64":
			log.Printf("baseco: native target arm64, AES=%v CRC32=%v", cpu.ARM64.HasAES, cpu.ARM64.HasCRC32)
			return backend.ARM64, nil
		default:
			return 0, fmt.Errorf("native target: unsupported host architecture %s", runtime.GOARCH)
		}
	default:
		return 0, fmt.Errorf("unknown -target %q (want amd64, arm64, or native)", target)
	}
}

func targetFor(arch backend.Arch) (backend.Target, elfobj.TargetInfo) {
	if arch == backend.AMD64 {
		return backend.AMD64Target(), elfobj.AMD64Target()
	}
	return backend.ARM64TargetCfg(), elfobj.ARM64Target()
}

// compileAll runs one driver.Compiler per input path, bounded to jobs
// concurrent instances, and returns whether every module compiled cleanly.
// Per §7, a module with any failed function never reaches BuildObjectFile.
func compileAll(paths []string, arch backend.Arch, constraint *semver.Constraints, out string, jobs int) bool {
	if len(paths) > 1 && out == "-" {
		fmt.Fprintln(os.Stderr, "baseco: -out must name a directory when more than one -in is given")
		return false
	}

	target, ti := targetFor(arch)

	var g errgroup.Group
	g.SetLimit(jobs)
	results := make([]bool, len(paths))
	for i, p := range paths {
		i, p := i, p
		outPath := outputPathFor(paths, out, p)
		g.Go(func() error {
			results[i] = compileOne(p, target, ti, constraint, outPath)
			return nil
		})
	}
	_ = g.Wait()

	success := true
	for _, ok := range results {
		success = success && ok
	}
	return success
}

func outputPathFor(paths []string, out, in string) string {
	if len(paths) == 1 {
		return out
	}
	base := strings.TrimSuffix(filepath.Base(in), filepath.Ext(in)) + ".o"
	return filepath.Join(out, base)
}

func compileOne(path string, target backend.Target, ti elfobj.TargetInfo, constraint *semver.Constraints, outPath string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
		return false
	}

	var mod testir.Module
	if err := json.Unmarshal(data, &mod); err != nil {
		fmt.Fprintf(os.Stderr, "%s: invalid IR module: %v\n", path, err)
		return false
	}

	asm := elfobj.New(ti, elfobj.SymRef{})
	comp := driver.NewCompiler(target, asm)
	comp.MinIRVersion = constraint

	ad := testir.NewAdaptor(&mod)
	if errs := comp.CompileModule(ad, testir.Lowerer{}); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, e)
		}
		return false
	}

	obj := asm.BuildObjectFile()
	if err := writeObject(outPath, obj); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
		return false
	}
	log.Printf("baseco: %s -> %s (%d bytes)", path, outPath, len(obj))
	return true
}

// writeObject writes data to path. A real filesystem destination is written
// to a temp file in the same directory and renamed into place with
// golang.org/x/sys/unix.Rename, so a crash mid-write never leaves a torn
// object file where a caller might read it (spec §1.B).
func writeObject(path string, data []byte) error {
	if path == "-" {
		_, err := os.Stdout.Write(data)
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".baseco-tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := unix.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// watchAndRun re-invokes run every time one of paths changes on disk,
// watching each input's containing directory (editors often replace a file
// by rename rather than in-place write, which a bare file watch would miss).
func watchAndRun(paths []string, run func() bool) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Fatalf("baseco: watch: %v", err)
	}
	defer w.Close()

	watched := make(map[string]bool, len(paths))
	dirsAdded := make(map[string]bool)
	for _, p := range paths {
		clean := filepath.Clean(p)
		watched[clean] = true
		dir := filepath.Dir(clean)
		if dirsAdded[dir] {
			continue
		}
		if err := w.Add(dir); err != nil {
			log.Fatalf("baseco: watch: %v", err)
		}
		dirsAdded[dir] = true
	}

	run()
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !watched[filepath.Clean(ev.Name)] {
				continue
			}
			log.Printf("baseco: %s changed, recompiling", ev.Name)
			run()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			log.Printf("baseco: watch error: %v", err)
		}
	}
}
