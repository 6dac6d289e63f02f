package driver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	gomock "github.com/golang/mock/gomock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/robert-at-pretension-io/vhdl-run/internal/config"
	"github.com/robert-at-pretension-io/vhdl-run/internal/ctxlog"
	"github.com/robert-at-pretension-io/vhdl-run/internal/manifest"
	"github.com/robert-at-pretension-io/vhdl-run/internal/project"
	"github.com/robert-at-pretension-io/vhdl-run/internal/units"
)

// fakeEngine knows a fixed set of libraries and records whether Main ran.
type fakeEngine struct {
	libraries map[string]string
	status    int
	invoked   bool
}

func (f *fakeEngine) Lookup(name string) (string, bool) {
	path, ok := f.libraries[name]
	return path, ok
}

func (f *fakeEngine) Main(_ context.Context, _ *manifest.Manifest, _ []string) (int, error) {
	f.invoked = true
	return f.status, nil
}

const testbenchSource = `library ieee, osvvm;
library vunit_lib;
context vunit_lib.vunit_context;
use osvvm.AlertLogPkg.all;

entity tb_axi is
  generic (runner_cfg : string);
end entity;

architecture tb of tb_axi is
begin
end architecture;
`

func makeRoot(files map[string]string) string {
	root, err := filepath.EvalSymlinks(GinkgoT().TempDir())
	Expect(err).NotTo(HaveOccurred())
	for rel, content := range files {
		path := filepath.Join(root, rel)
		Expect(os.MkdirAll(filepath.Dir(path), 0o755)).To(Succeed())
		Expect(os.WriteFile(path, []byte(content), 0o644)).To(Succeed())
	}
	return root
}

func defaultTree() map[string]string {
	return map[string]string{
		"src/a.vhd":       "library ieee;\nentity a is\nend entity;\n",
		"src/b.vhd":       "library ieee;\nentity b is\nend entity;\n",
		"src/test/t1.vhd": testbenchSource,
		"src/notes.txt":   "not vhdl",
		"src/test/x.vhdl": "-- wrong extension",
	}
}

var _ = Describe("Driver", func() {
	var (
		mockCtrl   *gomock.Controller
		mockEngine *MockEngine
		ctx        context.Context
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		mockEngine = NewMockEngine(mockCtrl)
		ctx = ctxlog.WithLogger(context.Background(), ctxlog.New("debug", "text", GinkgoWriter))
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	Context("with the default configuration", func() {
		It("should register exactly the matching sources and run the engine once", func() {
			root := makeRoot(defaultTree())
			args := []string{}

			var got *manifest.Manifest
			mockEngine.EXPECT().Lookup("osvvm").Return("", true)
			mockEngine.EXPECT().
				Main(gomock.Any(), gomock.Any(), args).
				DoAndReturn(func(_ context.Context, m *manifest.Manifest, _ []string) (int, error) {
					got = m
					return 0, nil
				}).
				Times(1)

			d := New(mockEngine, nil, root)
			code, err := d.Run(ctx, args)

			Expect(err).NotTo(HaveOccurred())
			Expect(code).To(Equal(0))
			Expect(got).NotTo(BeNil())
			Expect(got.Root).To(Equal(root))
			Expect(got.Standard).To(Equal("2008"))
			Expect(got.OutputDir).To(Equal(filepath.Join(root, "vunit_out")))
			Expect(got.ExternalLibraries).To(Equal([]manifest.ExternalLibrary{{Name: "osvvm"}}))

			lib, ok := got.Library("axi_bfm_lib")
			Expect(ok).To(BeTrue())
			Expect(lib.Dependencies).To(Equal([]string{"osvvm"}))

			var paths []string
			for _, f := range lib.Files {
				paths = append(paths, f.Path)
			}
			Expect(paths).To(ConsistOf(
				filepath.Join(root, "src", "a.vhd"),
				filepath.Join(root, "src", "b.vhd"),
				filepath.Join(root, "src", "test", "t1.vhd"),
			))
		})

		It("should forward arguments verbatim and return the engine status", func() {
			root := makeRoot(defaultTree())
			args := []string{"--list", "axi_bfm_lib.tb_axi.*", "-p", "4"}

			mockEngine.EXPECT().Lookup("osvvm").Return("", true)
			mockEngine.EXPECT().
				Main(gomock.Any(), gomock.Any(), []string{"--list", "axi_bfm_lib.tb_axi.*", "-p", "4"}).
				Return(1, nil)

			code, err := New(mockEngine, nil, root).Run(ctx, args)

			Expect(err).NotTo(HaveOccurred())
			Expect(code).To(Equal(1))
		})

		It("should report an engine that cannot start", func() {
			root := makeRoot(defaultTree())

			mockEngine.EXPECT().Lookup("osvvm").Return("", true)
			mockEngine.EXPECT().
				Main(gomock.Any(), gomock.Any(), gomock.Any()).
				Return(-1, errors.New("exec: not found"))

			code, err := New(mockEngine, nil, root).Run(ctx, nil)

			Expect(err).To(MatchError(ContainSubstring("not found")))
			Expect(code).To(Equal(ExitEngineError))
		})

		It("should record scanned units in the manifest", func() {
			root := makeRoot(defaultTree())
			mockEngine.EXPECT().Lookup("osvvm").Return("", true)

			plan, err := New(mockEngine, nil, root).Configure(ctx)

			Expect(err).NotTo(HaveOccurred())
			Expect(plan.Project.Frozen()).To(BeTrue())
			lib, _ := plan.Manifest.Library("axi_bfm_lib")
			var tb manifest.SourceFile
			for _, f := range lib.Files {
				if filepath.Base(f.Path) == "t1.vhd" {
					tb = f
				}
			}
			Expect(tb.LibraryClauses).To(ConsistOf("ieee", "osvvm", "vunit_lib"))
			Expect(tb.Units).To(HaveLen(2))
			Expect(tb.Units[0].Name).To(Equal("tb_axi"))
			Expect(plan.Diagnostics.Violations).To(BeEmpty())
		})

		It("should run the engine for sources with very long lines", func() {
			tree := defaultTree()
			tree["src/a.vhd"] = "entity a is\nend entity;\nconstant rom : string := \"" +
				strings.Repeat("f", 2*1024*1024) + "\";\n"
			root := makeRoot(tree)

			mockEngine.EXPECT().Lookup("osvvm").Return("", true)
			mockEngine.EXPECT().Main(gomock.Any(), gomock.Any(), gomock.Any()).Return(0, nil).Times(1)

			code, err := New(mockEngine, nil, root).Run(ctx, nil)

			Expect(err).NotTo(HaveOccurred())
			Expect(code).To(Equal(0))
		})

		It("should warn but continue when a pattern matches nothing", func() {
			root := makeRoot(map[string]string{"src/a.vhd": "entity a is\nend entity;\n"})
			mockEngine.EXPECT().Lookup("osvvm").Return("", true)

			plan, err := New(mockEngine, nil, root).Configure(ctx)

			Expect(err).NotTo(HaveOccurred())
			Expect(plan.Diagnostics.Summary.Warnings).To(Equal(1))
			Expect(plan.Diagnostics.Violations[0].Rule).To(Equal("zero_match_pattern"))
			Expect(plan.Diagnostics.Violations[0].Subject).To(Equal("src/test/*.vhd"))
		})
	})

	Context("when configuration fails", func() {
		It("should not invoke the engine for an unregistered dependency", func() {
			root := makeRoot(defaultTree())
			cfg := config.DefaultConfig()
			cfg.Libraries[0].Dependencies = []string{"osvvm", "uvvm"}
			fake := &fakeEngine{libraries: map[string]string{"osvvm": ""}}

			code, err := New(fake, cfg, root).Run(ctx, []string{})

			Expect(project.IsConfigurationError(err)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("uvvm"))
			Expect(code).To(Equal(ExitConfigError))
			Expect(fake.invoked).To(BeFalse())
		})

		It("should not invoke the engine for an external library it does not know", func() {
			root := makeRoot(defaultTree())
			fake := &fakeEngine{libraries: map[string]string{}}

			code, err := New(fake, nil, root).Run(ctx, nil)

			Expect(project.IsConfigurationError(err)).To(BeTrue())
			Expect(code).To(Equal(ExitConfigError))
			Expect(fake.invoked).To(BeFalse())
		})

		It("should reject duplicate libraries", func() {
			root := makeRoot(defaultTree())
			cfg := config.DefaultConfig()
			cfg.Libraries = append(cfg.Libraries, config.LibraryConfig{Name: "AXI_BFM_LIB", Files: []string{"src/*.vhd"}})

			mockEngine.EXPECT().Lookup("osvvm").Return("", true)
			mockEngine.EXPECT().Main(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

			code, err := New(mockEngine, cfg, root).Run(ctx, nil)

			var dup *project.DuplicateLibraryError
			Expect(errors.As(err, &dup)).To(BeTrue())
			Expect(dup.Name).To(Equal("axi_bfm_lib"))
			Expect(code).To(Equal(ExitConfigError))
		})

		It("should abort when a rule is raised to error", func() {
			root := makeRoot(map[string]string{"src/a.vhd": "entity a is\nend entity;\n"})
			cfg := config.DefaultConfig()
			cfg.Lint.Rules["zero_match_pattern"] = "error"

			mockEngine.EXPECT().Lookup("osvvm").Return("", true)
			mockEngine.EXPECT().Main(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

			code, err := New(mockEngine, cfg, root).Run(ctx, nil)

			Expect(project.IsConfigurationError(err)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("zero_match_pattern"))
			Expect(code).To(Equal(ExitConfigError))
		})

		It("should reject cyclic library dependencies", func() {
			root := makeRoot(map[string]string{
				"rtl/core.vhd": "entity core is\nend entity;\n",
				"tb/tb.vhd":    "entity tb is\nend entity;\n",
			})
			cfg := &config.Config{
				Libraries: []config.LibraryConfig{
					{Name: "core_lib", Files: []string{"rtl/*.vhd"}, Dependencies: []string{"tb_lib"}},
					{Name: "tb_lib", Files: []string{"tb/*.vhd"}, Dependencies: []string{"core_lib"}},
				},
			}
			fake := &fakeEngine{libraries: map[string]string{}}

			code, err := New(fake, cfg, root).Run(ctx, nil)

			Expect(project.IsConfigurationError(err)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("dependency_cycle"))
			Expect(code).To(Equal(ExitConfigError))
			Expect(fake.invoked).To(BeFalse())
		})

		It("should report a missing root as a file system error", func() {
			fake := &fakeEngine{libraries: map[string]string{"osvvm": ""}}
			missing := filepath.Join(GinkgoT().TempDir(), "gone")

			code, err := New(fake, nil, missing).Run(ctx, nil)

			Expect(project.IsFileSystemError(err)).To(BeTrue())
			Expect(code).To(Equal(ExitConfigError))
			Expect(fake.invoked).To(BeFalse())
		})

		It("should report unreadable sources", func() {
			root := makeRoot(defaultTree())
			fake := &fakeEngine{libraries: map[string]string{"osvvm": ""}}
			d := New(fake, nil, root)
			d.Scan = func(path string) (units.FileUnits, error) {
				return units.FileUnits{}, &project.FileSystemError{Path: path, Err: os.ErrPermission}
			}

			code, err := d.Run(ctx, nil)

			Expect(project.IsFileSystemError(err)).To(BeTrue())
			Expect(code).To(Equal(ExitConfigError))
			Expect(fake.invoked).To(BeFalse())
		})
	})

	Context("with custom libraries", func() {
		It("should wire dependencies regardless of declaration order", func() {
			root := makeRoot(map[string]string{
				"rtl/core.vhd":  "entity core is\nend entity;\n",
				"tb/tb_top.vhd": "library core_lib;\nentity tb_top is\nend entity;\n",
			})
			cfg := &config.Config{
				Libraries: []config.LibraryConfig{
					{Name: "tb_lib", Files: []string{"*.vhd"}, BaseDir: "tb", Dependencies: []string{"core_lib"}},
					{Name: "core_lib", Files: []string{"rtl/**/*.vhd"}},
				},
			}
			fake := &fakeEngine{libraries: map[string]string{}}

			code, err := New(fake, cfg, root).Run(ctx, nil)

			Expect(err).NotTo(HaveOccurred())
			Expect(code).To(Equal(0))
			Expect(fake.invoked).To(BeTrue())
		})

		It("should drop excluded sources", func() {
			root := makeRoot(defaultTree())
			cfg := config.DefaultConfig()
			cfg.Libraries[0].Exclude = []string{"src/b.vhd"}
			mockEngine.EXPECT().Lookup("osvvm").Return("", true)

			plan, err := New(mockEngine, cfg, root).Configure(ctx)

			Expect(err).NotTo(HaveOccurred())
			lib, _ := plan.Manifest.Library("axi_bfm_lib")
			Expect(lib.Files).To(HaveLen(2))
		})
	})

	Context("with the scan cache enabled", func() {
		It("should persist scan results under the cache directory", func() {
			root := makeRoot(defaultTree())
			cfg := config.DefaultConfig()
			enabled := true
			cfg.Cache.Enabled = &enabled
			fake := &fakeEngine{libraries: map[string]string{"osvvm": ""}}

			for i := 0; i < 2; i++ {
				code, err := New(fake, cfg, root).Run(ctx, nil)
				Expect(err).NotTo(HaveOccurred())
				Expect(code).To(Equal(0))
			}

			Expect(filepath.Join(root, ".vhdl_run_cache", "index.json")).To(BeARegularFile())
			entries, err := os.ReadDir(filepath.Join(root, ".vhdl_run_cache", "units"))
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(3))
		})

		It("should still run the engine when the cache index is unreadable", func() {
			tree := defaultTree()
			tree[".vhdl_run_cache/index.json"] = "{not json"
			root := makeRoot(tree)
			cfg := config.DefaultConfig()
			enabled := true
			cfg.Cache.Enabled = &enabled
			fake := &fakeEngine{libraries: map[string]string{"osvvm": ""}}

			code, err := New(fake, cfg, root).Run(ctx, nil)

			Expect(err).NotTo(HaveOccurred())
			Expect(code).To(Equal(0))
			Expect(fake.invoked).To(BeTrue())
		})
	})

	Context("with timing enabled", func() {
		It("should write one line per stage and file", func() {
			root := makeRoot(defaultTree())
			out := filepath.Join(root, "timing.jsonl")
			tr := NewTimingRecorder(time.Now(), out)
			Expect(tr.Err()).NotTo(HaveOccurred())

			fake := &fakeEngine{libraries: map[string]string{"osvvm": ""}}
			d := New(fake, nil, root)
			d.Timing = tr
			_, err := d.Run(ctx, nil)
			Expect(err).NotTo(HaveOccurred())
			tr.Close()

			f, err := os.Open(out)
			Expect(err).NotTo(HaveOccurred())
			defer f.Close()

			stages := map[string]bool{}
			files := 0
			sc := bufio.NewScanner(f)
			for sc.Scan() {
				var ev timingEvent
				Expect(json.Unmarshal(sc.Bytes(), &ev)).To(Succeed())
				switch ev.Kind {
				case "stage":
					stages[ev.Phase] = true
				case "file":
					files++
				}
			}
			Expect(stages).To(HaveKey("register"))
			Expect(stages).To(HaveKey("scan"))
			Expect(stages).To(HaveKey("validate"))
			Expect(stages).To(HaveKey("policy"))
			Expect(stages).To(HaveKey("engine"))
			Expect(files).To(Equal(3))
		})
	})
})
