package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nemanja-m/jobwire/internal/shared/logging"
	"github.com/nemanja-m/jobwire/pkg/algorithm"
	"github.com/nemanja-m/jobwire/pkg/client"
	"github.com/nemanja-m/jobwire/pkg/tuple"

	_ "github.com/nemanja-m/jobwire/examples/grep"
	_ "github.com/nemanja-m/jobwire/examples/sleepsort"
	_ "github.com/nemanja-m/jobwire/examples/wordcount"
)

type options struct {
	job    string
	state  string
	input  string
	files  bool
	detach bool
	freeze bool
	revive string

	maxProcesses  int
	maxMappers    int
	maxReducers   int
	maxFinalizers int
	modulo        int
}

func main() {
	var (
		configPath = flag.String("config", "", "path to config file")
		opts       options
	)
	flag.StringVar(&opts.job, "job", "", "algorithm to run (e.g., wordcount, grep, sleepsort)")
	flag.StringVar(&opts.state, "state", "", "algorithm state as a JSON object")
	flag.StringVar(&opts.input, "input", "", "comma separated input file glob patterns")
	flag.BoolVar(&opts.files, "files", false, "pass input files to the cluster as record files instead of reading their lines")
	flag.BoolVar(&opts.detach, "detach", false, "submit the job without waiting for its result")
	flag.BoolVar(&opts.freeze, "freeze", false, "print the job envelope instead of starting it")
	flag.StringVar(&opts.revive, "revive", "", "start the job from an envelope file written by -freeze")
	flag.IntVar(&opts.maxProcesses, "maxprocesses", 0, "maximum number of processes (0 keeps the default)")
	flag.IntVar(&opts.maxMappers, "maxmappers", 0, "maximum number of mappers (0 keeps the default)")
	flag.IntVar(&opts.maxReducers, "maxreducers", 0, "maximum number of reducers (0 keeps the default)")
	flag.IntVar(&opts.maxFinalizers, "maxfinalizers", -1, "maximum number of finalizers, 0 finalizes locally")
	flag.IntVar(&opts.modulo, "modulo", 0, "number of reducer partitions (0 keeps the default)")
	flag.Parse()

	if opts.job == "" && opts.revive == "" {
		fmt.Fprintf(os.Stderr, "Either -job or -revive must be specified. Available jobs: %v\n", algorithm.List())
		os.Exit(2)
	}

	cfg, err := client.LoadSettings(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging)
	env := client.NewEnvironment(cfg, logger)

	if err := run(env, opts, flag.Args(), os.Stdin, os.Stdout); err != nil {
		logger.Error("Job failed", "error", err)
		os.Exit(1)
	}
}

func run(env *client.Environment, opts options, args []string, stdin io.Reader, stdout io.Writer) error {
	if opts.revive != "" {
		data, err := os.ReadFile(opts.revive)
		if err != nil {
			return err
		}
		job, err := client.Unserialize(env, data)
		if err != nil {
			return err
		}
		defer job.Connection().Close()
		return finish(env, job, opts.detach, stdout)
	}

	algo, err := algorithm.Revive(opts.job, []byte(opts.state))
	if err != nil {
		return fmt.Errorf("%w (available jobs: %v)", err, algorithm.List())
	}

	conn, err := client.NewConnection(env, client.Options{})
	if err != nil {
		return err
	}
	defer conn.Close()

	job, err := client.NewJob(conn, algo)
	if err != nil {
		return err
	}
	if err := configure(job, opts); err != nil {
		return err
	}
	if err := feed(job, opts, args, stdin); err != nil {
		return err
	}

	if opts.freeze {
		data, err := job.MarshalBinary()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(stdout, "%s\n", data)
		return err
	}

	env.Logger.Info("Starting job", "job", opts.job, "kind", algo.Kind(), "input", opts.input)
	return finish(env, job, opts.detach, stdout)
}

func configure(job *client.Job, opts options) error {
	var errs []error
	if opts.maxProcesses > 0 {
		errs = append(errs, job.MaxProcesses(opts.maxProcesses))
	}
	if job.Kind() == algorithm.KindMapReduce {
		if opts.maxMappers > 0 {
			errs = append(errs, job.MaxMappers(opts.maxMappers))
		}
		if opts.maxReducers > 0 {
			errs = append(errs, job.MaxReducers(opts.maxReducers))
		}
		if opts.maxFinalizers >= 0 {
			errs = append(errs, job.MaxFinalizers(opts.maxFinalizers))
		}
		if opts.modulo > 0 {
			errs = append(errs, job.Modulo(opts.modulo))
		}
	}
	return errors.Join(errs...)
}

// feed adds the job's input: lines of the input files for map/reduce, the
// arguments as race candidates, the arguments or stdin for a task.
func feed(job *client.Job, opts options, args []string, stdin io.Reader) error {
	switch job.Kind() {
	case algorithm.KindMapReduce:
		if opts.input == "" {
			return errors.New("input pattern must be specified using the -input flag")
		}
		patterns := strings.Split(opts.input, ",")
		if opts.files {
			n, err := job.Glob(false, patterns...)
			if err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("no files match %s", opts.input)
			}
			return nil
		}
		files, err := client.FindFiles(patterns)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			return fmt.Errorf("no files match %s", opts.input)
		}
		for _, name := range files {
			err := EachLine(name, func(l Line) error {
				return job.AddKV(tuple.Must(l.Filename, l.Number), tuple.Must(l.Text))
			})
			if err != nil {
				return err
			}
		}
		return nil

	case algorithm.KindRace:
		for _, candidate := range args {
			if err := job.Add([]byte(candidate)); err != nil {
				return err
			}
		}
		return nil

	default:
		if len(args) > 0 {
			return job.Add([]byte(strings.Join(args, " ")))
		}
		data, err := io.ReadAll(stdin)
		if err != nil {
			return err
		}
		return job.Add(data)
	}
}

// finish waits for the job and prints its result JSON.
func finish(env *client.Environment, job *client.Job, detach bool, stdout io.Writer) error {
	if detach {
		if err := job.Detach(); err != nil {
			return err
		}
		job.Connection().Flush()
		env.Logger.Info("Job submitted", "directory", job.TempDirectory())
		return nil
	}

	res, err := job.Wait()
	if res != nil {
		fmt.Fprintf(stdout, "%s\n", res.JSON())
	}
	if err != nil {
		return err
	}
	if !res.Success() {
		if failure, ok := res.(error); ok {
			return failure
		}
		return errors.New("job failed")
	}
	env.Logger.Info("Job completed successfully", "kind", res.Kind())
	return nil
}
