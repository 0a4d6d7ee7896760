// Package slices turns per-patient MRI volumes into stacked 2D slice artifacts
// and a label store that indexes them.
//
// The input root holds one directory per class, each holding one directory per
// patient with three co-registered volumes. Every slice index of a patient
// becomes one artifact with the three modalities as channels, and one label
// row. Label rows for a patient are appended only after all of its artifacts
// are on disk, and the patient is recorded in the manifest last, so a failed
// patient leaves no label rows behind and is retried by the next run.
package slices

import (
	"context"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sbwhitecap/tqdm"
	"github.com/sbwhitecap/tqdm/iterators"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/tsawler/braintriage/failure"
	"github.com/tsawler/braintriage/fileutil"
	"github.com/tsawler/braintriage/logging"
	"github.com/tsawler/braintriage/vision/volume"
)

// Mode selects how class directories are discovered.
type Mode int

const (
	// ModeTrain treats every subdirectory of the input root as a class.
	ModeTrain Mode = iota
	// ModeTest reads the single unlabeled test directory.
	ModeTest
)

func (m Mode) String() string {
	switch m {
	case ModeTrain:
		return "train"
	case ModeTest:
		return "test"
	default:
		return "unknown"
	}
}

// ExtractorConfig configures an Extractor.
type ExtractorConfig struct {
	OutDir        string
	VolumeFiles   [Channels]string // per-modality file names inside a patient directory
	AbnormalClass string           // class directory whose slices are labeled true
	TestDir       string           // class directory used in ModeTest
	Manifest      Manifest         // optional persistent index of extracted patients
	Progress      bool             // show a progress bar over patients
	Logger        *zap.Logger
}

// DefaultExtractorConfig returns the layout of the brain triage data set.
func DefaultExtractorConfig(outDir string) ExtractorConfig {
	return ExtractorConfig{
		OutDir:        outDir,
		VolumeFiles:   [Channels]string{"T1.mha", "T2.mha", "T2-FLAIR.mha"},
		AbnormalClass: "abnormal",
		TestDir:       "final_test_set",
	}
}

// Report summarizes one extraction run.
type Report struct {
	Patients   int // patients extracted by this run
	Skipped    int // patients already in the manifest
	Duplicates int // repeated patient ids within this run
	Slices     int // artifacts and label rows written
	Duration   time.Duration
}

// Extractor converts patient volumes into slice artifacts.
type Extractor struct {
	fs     afero.Fs
	config ExtractorConfig
	labels *LabelStore
	logger *zap.Logger
}

// NewExtractor creates the output directory if needed and returns an
// extractor writing into it.
func NewExtractor(fs afero.Fs, config ExtractorConfig) (*Extractor, error) {
	if config.OutDir == "" {
		return nil, errors.New("extractor output directory is required")
	}
	for i, name := range config.VolumeFiles {
		if name == "" {
			return nil, errors.Errorf("volume file name for %s is empty", Modalities[i])
		}
	}
	if err := fileutil.EnsureDir(fs, config.OutDir); err != nil {
		return nil, failure.IO("create output directory", config.OutDir, err)
	}

	return &Extractor{
		fs:     fs,
		config: config,
		labels: OpenLabelStore(fs, filepath.Join(config.OutDir, LabelFile)),
		logger: logging.OrNop(config.Logger),
	}, nil
}

// patientJob is one patient directory found under the input root.
type patientJob struct {
	class    string
	id       string
	dir      string
	abnormal bool
}

// Run extracts every patient under inRoot that has not been extracted yet.
// The first failure aborts the run.
func (e *Extractor) Run(ctx context.Context, inRoot string, mode Mode) (Report, error) {
	start := time.Now()
	var report Report

	jobs, err := e.discover(inRoot, mode)
	if err != nil {
		return report, err
	}
	e.logger.Info("extracting slices",
		zap.String("mode", mode.String()),
		zap.String("input", inRoot),
		zap.String("output", e.config.OutDir),
		zap.Int("patients", len(jobs)))

	seen := make(map[string]bool, len(jobs))
	err = e.each(len(jobs), func(i int) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		job := jobs[i]
		if seen[job.id] {
			report.Duplicates++
			e.logger.Debug("duplicate patient id", zap.String("patient", job.id), zap.String("class", job.class))
			return nil
		}
		seen[job.id] = true

		if e.config.Manifest != nil {
			done, err := e.config.Manifest.Has(job.id)
			if err != nil {
				return err
			}
			if done {
				report.Skipped++
				return nil
			}
		}

		n, err := e.extractPatient(job)
		if err != nil {
			return errors.Wrapf(err, "patient %s", job.id)
		}
		report.Patients++
		report.Slices += n
		return nil
	})

	report.Duration = time.Since(start)
	if err != nil {
		return report, err
	}

	e.logger.Info("extraction finished",
		zap.Int("patients", report.Patients),
		zap.Int("skipped", report.Skipped),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("slices", report.Slices),
		zap.Duration("took", report.Duration))
	return report, nil
}

// discover lists patient directories in class then patient name order.
func (e *Extractor) discover(inRoot string, mode Mode) ([]patientJob, error) {
	var classes []string
	if mode == ModeTest {
		classes = []string{e.config.TestDir}
	} else {
		dirs, err := listDirs(e.fs, inRoot)
		if err != nil {
			return nil, err
		}
		classes = dirs
	}

	var jobs []patientJob
	for _, class := range classes {
		classDir := filepath.Join(inRoot, class)
		patients, err := listDirs(e.fs, classDir)
		if err != nil {
			return nil, err
		}
		for _, id := range patients {
			jobs = append(jobs, patientJob{
				class:    class,
				id:       id,
				dir:      filepath.Join(classDir, id),
				abnormal: mode == ModeTrain && class == e.config.AbnormalClass,
			})
		}
	}
	return jobs, nil
}

// extractPatient writes all artifacts of one patient, then its label rows,
// then its manifest entry. It returns the number of slices written.
func (e *Extractor) extractPatient(job patientJob) (int, error) {
	var vols [Channels]*volume.Volume
	for c, name := range e.config.VolumeFiles {
		vol, err := volume.Read(e.fs, filepath.Join(job.dir, name))
		if err != nil {
			return 0, err
		}
		vols[c] = vol
	}
	if err := volume.CheckSameShape("load patient "+job.id, Modalities[:], vols[:]...); err != nil {
		return 0, err
	}

	ref := vols[0]
	plane := ref.Rows * ref.Cols
	rows := make([]LabelRow, 0, ref.Slices)

	for i := 0; i < ref.Slices; i++ {
		s := &Slice{
			PatientID: job.id,
			Index:     i,
			Rows:      ref.Rows,
			Cols:      ref.Cols,
			Data:      make([]float32, Channels*plane),
		}
		for c, vol := range vols {
			copy(s.Data[c*plane:(c+1)*plane], vol.SliceAt(i))
		}
		if _, err := WriteSlice(e.fs, e.config.OutDir, s); err != nil {
			return 0, err
		}
		rows = append(rows, LabelRow{PatientID: job.id, Slice: i, Abnormal: job.abnormal})
	}

	if err := e.labels.Append(rows); err != nil {
		return 0, err
	}

	if e.config.Manifest != nil {
		err := e.config.Manifest.Mark(ManifestEntry{
			PatientID:   job.id,
			Class:       job.class,
			Abnormal:    job.abnormal,
			Slices:      ref.Slices,
			ExtractedAt: time.Now().UTC(),
		})
		if err != nil {
			return 0, err
		}
	}

	e.logger.Debug("patient extracted",
		zap.String("patient", job.id),
		zap.String("class", job.class),
		zap.Int("slices", ref.Slices))
	return ref.Slices, nil
}

// each calls fn for 0..n-1, behind a progress bar when enabled.
func (e *Extractor) each(n int, fn func(i int) error) error {
	if !e.config.Progress {
		for i := 0; i < n; i++ {
			if err := fn(i); err != nil {
				return err
			}
		}
		return nil
	}

	var loopErr error
	err := tqdm.With(iterators.Interval(0, n), "Patients", func(v interface{}) (brk bool) {
		if loopErr = fn(v.(int)); loopErr != nil {
			return true
		}
		return false
	})
	if loopErr != nil {
		return loopErr
	}
	return err
}

// listDirs returns the names of the subdirectories of dir, sorted.
func listDirs(fs afero.Fs, dir string) ([]string, error) {
	infos, err := afero.ReadDir(fs, dir)
	if err != nil {
		if exists, _ := afero.DirExists(fs, dir); !exists {
			return nil, failure.MissingFile("list directory", dir)
		}
		return nil, failure.IO("list directory", dir, err)
	}
	var names []string
	for _, info := range infos {
		if info.IsDir() && info.Name()[0] != '.' {
			names = append(names, info.Name())
		}
	}
	return names, nil
}
