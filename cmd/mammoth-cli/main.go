package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/paveg/mammoth"
	"github.com/paveg/mammoth/internal/version"
)

func customUsage() {
	fmt.Fprintf(os.Stderr, "Mammoth Lazy DataFrame Engine CLI (version %s)\n\n", version.Version)
	fmt.Fprintf(os.Stderr, "Usage: mammoth-cli [options]\n\n")
	fmt.Fprintf(os.Stderr, "Options:\n")
	fmt.Fprintf(os.Stderr, "  --demo\n\t\tRun basic demo\n")
	fmt.Fprintf(os.Stderr, "  --benchmark\n\t\tRun benchmark tests\n")
	fmt.Fprintf(os.Stderr, "  --rows N\n\t\tNumber of rows to use (default: 1000 for demo, 1000000 for benchmark)\n")
	fmt.Fprintf(os.Stderr, "  --partitions N\n\t\tNumber of partitions to split the data into (default: rows / configured partition size)\n")
	fmt.Fprintf(os.Stderr, "  --workers N\n\t\tWorker goroutines for compute (default: number of CPUs)\n")
	fmt.Fprintf(os.Stderr, "  --csv PATH\n\t\tRun the demo pipeline over CSV files matching PATH\n")
	fmt.Fprintf(os.Stderr, "  --verbose\n\t\tPrint per-task graph details before executing\n")
	fmt.Fprintf(os.Stderr, "  -v, --version\n\t\tPrint version information and exit\n")
	fmt.Fprintf(os.Stderr, "  -h, --help\n\t\tShow this help message and exit\n")
}

func main() {
	versionFlag := flag.Bool("v", false, "Print version and exit")
	flag.BoolVar(versionFlag, "version", false, "Print version and exit") // alias
	demoFlag := flag.Bool("demo", false, "Run basic demo")
	benchmarkFlag := flag.Bool("benchmark", false, "Run benchmark tests")
	rowsFlag := flag.Int("rows", 0, "Number of rows to use")
	partitionsFlag := flag.Int("partitions", 0, "Number of partitions")
	workersFlag := flag.Int("workers", 0, "Worker goroutines for compute")
	csvFlag := flag.String("csv", "", "Run the demo pipeline over CSV files matching this pattern")
	verboseFlag := flag.Bool("verbose", false, "Print per-task graph details before executing")

	//nolint:reassign // Standard Go pattern for customizing flag usage message
	flag.Usage = customUsage

	flag.Parse()

	if *versionFlag {
		fmt.Print(version.Info().String())
		return
	}

	cfg := mammoth.LoadConfigFromEnv()
	if *workersFlag > 0 {
		cfg.Workers = *workersFlag
	}
	if *verboseFlag {
		cfg.VerboseLogging = true
	}
	mammoth.SetGlobalConfig(cfg)

	switch {
	case *csvFlag != "":
		runCSV(*csvFlag)
	case *demoFlag:
		runDemo(*rowsFlag, *partitionsFlag)
	case *benchmarkFlag:
		runBenchmark(*rowsFlag, *partitionsFlag)
	default:
		flag.Usage()
		os.Exit(1)
	}
}

const (
	baseSalary         = 40000
	salaryIncrement    = 1000
	salaryRange        = 60
	ageFilterThreshold = 35
	bonusPercentage    = 0.1
)

// employeeSource generates rows partitions of synthetic employee data,
// indexed on id with known divisions.
func employeeSource(rows, partitions int) (mammoth.Source, error) {
	if partitions < 1 {
		size := mammoth.GetGlobalConfig().WithDefaults().DefaultPartitionSize
		partitions = (rows + size - 1) / size
	}
	if partitions < 1 {
		partitions = 1
	}
	if partitions > rows {
		partitions = rows
	}
	chunk := (rows + partitions - 1) / partitions

	depts := []string{"Engineering", "Sales", "Marketing", "HR", "Finance"}
	parts := make([]*mammoth.Partition, 0, partitions)
	bounds := make([]any, 0, partitions+1)

	for offset := 0; offset < rows; offset += chunk {
		n := chunk
		if offset+n > rows {
			n = rows - offset
		}
		ids := make([]int64, n)
		ages := make([]int64, n)
		salaries := make([]int64, n)
		departments := make([]string, n)
		for i := range n {
			row := offset + i
			ids[i] = int64(row + 1)
			ages[i] = int64(25 + row%40)
			salaries[i] = int64(baseSalary + (row%salaryRange)*salaryIncrement)
			departments[i] = depts[row%len(depts)]
		}
		parts = append(parts, mammoth.NewPartition(
			mammoth.NewSeries("id", ids, nil),
			mammoth.NewSeries("age", ages, nil),
			mammoth.NewSeries("salary", salaries, nil),
			mammoth.NewSeries("department", departments, nil),
		))
		bounds = append(bounds, int64(offset+1))
	}
	bounds = append(bounds, int64(rows+1))

	return mammoth.NewMemorySource(parts,
		mammoth.WithDivisions(bounds),
		mammoth.WithToken(fmt.Sprintf("demo:employees:%d:%d", rows, partitions)))
}

// dumpGraph prints one line per task so a slow or surprising plan can be
// inspected before anything runs.
func dumpGraph(nodes []*mammoth.Node, edges []mammoth.Edge) {
	fmt.Println("Task graph detail:")
	for _, n := range nodes {
		fmt.Printf("  %s  op=%s deps=%d\n", n.Key, n.Op.Name(), len(n.Deps()))
	}
	fmt.Printf("  %d edges\n", len(edges))
}

func buildPipeline(store *mammoth.Store, src mammoth.Source) (*mammoth.Frame, error) {
	f, err := mammoth.FromSource(store, src, mammoth.WithIndex("id"))
	if err != nil {
		return nil, err
	}
	f, err = f.Filter(mammoth.Col("age").Gt(mammoth.Lit(int64(ageFilterThreshold))))
	if err != nil {
		return nil, err
	}
	return f.WithColumn("bonus",
		mammoth.Col("salary").Mul(mammoth.Lit(bonusPercentage)))
}

func runDemo(rows, partitions int) {
	fmt.Println("Mammoth Lazy DataFrame Engine Demo")
	fmt.Println("==================================")

	if rows == 0 {
		rows = 1000
	}

	src, err := employeeSource(rows, partitions)
	if err != nil {
		log.Printf("Error creating source: %v", err)
		return
	}

	store := mammoth.NewStore()
	f, err := buildPipeline(store, src)
	if err != nil {
		log.Printf("Error building pipeline: %v", err)
		return
	}

	fmt.Printf("Built frame: %d partitions, columns %v\n",
		f.NPartitions(), f.Schema().Columns())

	nodes, edges, err := f.Explain()
	if err != nil {
		log.Printf("Error explaining graph: %v", err)
		return
	}
	fmt.Printf("Task graph: %d nodes, %d edges (nothing executed yet)\n",
		len(nodes), len(edges))
	if mammoth.GetGlobalConfig().VerboseLogging {
		dumpGraph(nodes, edges)
	}

	agg, err := f.GroupBy("department").Agg(
		mammoth.AggSpec{Column: "salary", Kind: mammoth.AggMean, Alias: "avg_salary"},
		mammoth.AggSpec{Column: "bonus", Kind: mammoth.AggSum, Alias: "total_bonus"},
	)
	if err != nil {
		log.Printf("Error building aggregation: %v", err)
		return
	}

	meanAge, err := f.Mean("age")
	if err != nil {
		log.Printf("Error building reduction: %v", err)
		return
	}

	fmt.Println("Executing aggregation and reduction as one request...")
	out, metrics, err := mammoth.ComputeWithMetrics(context.Background(), agg, meanAge)
	if err != nil {
		log.Printf("Error executing: %v", err)
		return
	}

	result, ok := out[0].(*mammoth.Partition)
	if !ok {
		log.Printf("unexpected result type %T", out[0])
		return
	}
	defer result.Release()

	fmt.Printf("Aggregation result: %d departments\n%s\n", result.Len(), result)
	fmt.Printf("Mean age of filtered employees: %.2f\n", out[1])
	fmt.Printf("Executed %d tasks, evicted %d, peak resident %d\n",
		metrics.TasksExecuted, metrics.Evictions, metrics.PeakResident)
	fmt.Println("Demo completed successfully!")
}

func runCSV(pattern string) {
	fmt.Printf("Reading CSV files matching %s\n", pattern)

	src, err := mammoth.OpenCSV(pattern, mammoth.DefaultCSVOptions())
	if err != nil {
		log.Printf("Error opening CSV: %v", err)
		os.Exit(1)
	}

	store := mammoth.NewStore()
	f, err := mammoth.FromSource(store, src)
	if err != nil {
		log.Printf("Error building frame: %v", err)
		os.Exit(1)
	}

	fmt.Printf("Frame: %d partitions, columns %v\n",
		f.NPartitions(), f.Schema().Columns())

	if mammoth.GetGlobalConfig().VerboseLogging {
		nodes, edges, eerr := f.Explain()
		if eerr != nil {
			log.Printf("Error explaining graph: %v", eerr)
			os.Exit(1)
		}
		dumpGraph(nodes, edges)
	}

	result, err := f.Compute(context.Background())
	if err != nil {
		log.Printf("Error computing: %v", err)
		os.Exit(1)
	}
	defer result.Release()

	fmt.Printf("Read %d rows\n%s\n", result.Len(), result)
}

func runBenchmark(rows, partitions int) {
	fmt.Println("Mammoth Lazy DataFrame Engine Benchmark")
	fmt.Println("=======================================")

	if rows == 0 {
		rows = 1_000_000
	}

	fmt.Printf("\nGenerating %d rows across %d partitions...\n", rows, partitions)
	start := time.Now()
	src, err := employeeSource(rows, partitions)
	if err != nil {
		log.Printf("Error creating source: %v", err)
		os.Exit(1)
	}
	fmt.Printf("Data generation: %s\n", time.Since(start))

	store := mammoth.NewStore()
	start = time.Now()
	f, err := buildPipeline(store, src)
	if err != nil {
		log.Printf("Error building pipeline: %v", err)
		os.Exit(1)
	}
	fmt.Printf("Graph construction: %s\n", time.Since(start))

	fmt.Printf("\nBenchmarking filter + bonus column over %d rows...\n", rows)
	start = time.Now()
	out, metrics, err := mammoth.ComputeWithMetrics(context.Background(), f)
	if err != nil {
		log.Printf("Error during compute benchmark: %v", err)
		os.Exit(1)
	}
	elapsed := time.Since(start)

	result, ok := out[0].(*mammoth.Partition)
	if !ok {
		log.Printf("unexpected result type %T", out[0])
		os.Exit(1)
	}
	defer result.Release()

	fmt.Printf("Compute time: %s (%d rows kept)\n", elapsed, result.Len())
	fmt.Printf("Tasks executed: %d, evictions: %d, peak resident: %d\n",
		metrics.TasksExecuted, metrics.Evictions, metrics.PeakResident)

	fmt.Println("\nBenchmark suite completed successfully!")
}
