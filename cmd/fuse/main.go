package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"image/color"
	"math"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"tofengine-go/config"
	"tofengine-go/fusion"
	"tofengine-go/monitoring"
	"tofengine-go/server"
)

func main() {
	pcapPath := flag.String("pcap", "", "Input PCAP/binlog file")
	vehicleHex := flag.String("vehicle", "", "Vehicle address in hex (empty for all)")
	outPath := flag.String("out", "fused.csv", "Output CSV path")
	plotPath := flag.String("plot", "", "Optional PNG plot of altitude and surface offsets")
	tuningPath := flag.String("config", "", "Path to tuning JSON (optional)")
	refPath := flag.String("ref", "", "Optional reference CSV for altitude RMSE")
	maxShift := flag.Int("max-shift", 400, "Max sample shift for RMSE")
	verbose := flag.Bool("v", false, "Log pipeline events")
	flag.Parse()

	if *pcapPath == "" {
		fmt.Println("--pcap required")
		os.Exit(1)
	}
	if !*verbose {
		monitoring.SetLogger(nil)
	}

	tuning, err := config.Load(*tuningPath)
	if err != nil {
		fmt.Printf("load tuning failed: %v\n", err)
		os.Exit(1)
	}

	proc := server.NewProcessor(fusion.NewPipeline(tuning.PipelineConfig()))
	if *vehicleHex != "" {
		addr, err := parseHex(*vehicleHex)
		if err != nil {
			fmt.Printf("invalid vehicle: %v\n", err)
			os.Exit(1)
		}
		proc.SetVehicleFilter(addr)
	}

	rows := [][]string{{"ts_ms", "vehicle", "sensor", "variant", "flag", "z_m", "vz_mps", "floor_m", "ceiling_m", "measured_m", "predicted_m", "innovation_m", "detected"}}
	var results []fusion.Result
	proc.OnResult = func(addr uint32, res fusion.Result) {
		results = append(results, res)
		rows = append(rows, []string{
			strconv.FormatInt(res.TimestampMs, 10),
			fmt.Sprintf("%X", addr),
			res.Sensor,
			string(res.Variant),
			strconv.Itoa(res.Flag),
			fmt.Sprintf("%.4f", res.Z),
			fmt.Sprintf("%.4f", res.VZ),
			fmt.Sprintf("%.4f", res.Floor),
			fmt.Sprintf("%.4f", res.Ceiling),
			fmt.Sprintf("%.4f", res.Diag.MeasuredDistance),
			fmt.Sprintf("%.4f", res.Diag.PredictedDistance),
			fmt.Sprintf("%.4f", res.Diag.Innovation),
			strconv.FormatBool(res.Diag.Detected),
		})
	}

	n, err := proc.Replay(context.Background(), *pcapPath, 0)
	if err != nil {
		fmt.Printf("replay failed: %v\n", err)
		os.Exit(1)
	}
	if err := writeCSV(*outPath, rows); err != nil {
		fmt.Printf("write csv failed: %v\n", err)
		os.Exit(1)
	}
	st := proc.Stats()
	fmt.Printf("%d packets, %d frames (%d tof), %d detections: written %d rows to %s\n",
		n, st.Frames, st.Tof, proc.Pipeline().Detections(), len(rows)-1, *outPath)
	for _, s := range []fusion.Sensor{fusion.SensorDown, fusion.SensorUp} {
		c := proc.Pipeline().Consistency(s)
		if c.Count > 0 {
			fmt.Printf("%s: NIS %.2f over %d samples (bound %.2f, consistent %v)\n", s, c.NIS, c.Count, c.Bound, c.Consistent)
		}
	}

	if *plotPath != "" {
		if err := plotResults(*plotPath, results); err != nil {
			fmt.Printf("plot failed: %v\n", err)
		} else {
			fmt.Printf("plot written to %s\n", *plotPath)
		}
	}

	if *refPath != "" {
		rmse, shift, err := compareWithRef(*outPath, *refPath, *maxShift)
		if err != nil {
			fmt.Printf("rmse compare failed: %v\n", err)
		} else {
			fmt.Printf("ref shift %d samples, RMSE %.3f m\n", shift, rmse)
		}
	}
}

func parseHex(s string) (uint32, error) {
	s = strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "0X")
	v, err := strconv.ParseUint(s, 16, 32)
	return uint32(v), err
}

func writeCSV(path string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

// plotResults draws altitude, floor and ceiling against time in seconds
// from the first sample. Gated samples are left out.
func plotResults(path string, results []fusion.Result) error {
	if len(results) == 0 {
		return fmt.Errorf("no results to plot")
	}
	t0 := results[0].TimestampMs
	var z, floor, ceiling, steps plotter.XYs
	for _, r := range results {
		if r.Flag < fusion.FlagSeeded {
			continue
		}
		t := float64(r.TimestampMs-t0) / 1000
		z = append(z, plotter.XY{X: t, Y: r.Z})
		floor = append(floor, plotter.XY{X: t, Y: r.Floor})
		ceiling = append(ceiling, plotter.XY{X: t, Y: r.Ceiling})
		if r.Diag.Detected {
			steps = append(steps, plotter.XY{X: t, Y: r.Z})
		}
	}
	if len(z) == 0 {
		return fmt.Errorf("no fused samples to plot")
	}

	p := plot.New()
	p.Title.Text = "Vertical state"
	p.X.Label.Text = "t [s]"
	p.Y.Label.Text = "height [m]"
	p.Add(plotter.NewGrid())

	series := []struct {
		name string
		xys  plotter.XYs
		col  color.RGBA
	}{
		{"z", z, color.RGBA{B: 200, A: 255}},
		{"floor", floor, color.RGBA{G: 150, A: 255}},
		{"ceiling", ceiling, color.RGBA{R: 200, A: 255}},
	}
	for _, s := range series {
		l, err := plotter.NewLine(s.xys)
		if err != nil {
			return err
		}
		l.Color = s.col
		p.Add(l)
		p.Legend.Add(s.name, l)
	}
	if len(steps) > 0 {
		sc, err := plotter.NewScatter(steps)
		if err != nil {
			return err
		}
		sc.GlyphStyle.Radius = vg.Points(3)
		p.Add(sc)
		p.Legend.Add("step", sc)
	}
	return p.Save(10*vg.Inch, 4*vg.Inch, path)
}

// compareWithRef aligns the fused altitude with a reference series and
// returns the best RMSE and the shift that produced it.
func compareWithRef(predPath, refPath string, maxShift int) (float64, int, error) {
	pred, err := readZ(predPath)
	if err != nil {
		return 0, 0, err
	}
	ref, err := readZ(refPath)
	if err != nil {
		return 0, 0, err
	}
	bestShift := 0
	bestRmse := math.MaxFloat64
	for shift := -maxShift; shift <= maxShift; shift++ {
		pi, ri := 0, 0
		if shift >= 0 {
			pi = shift
		} else {
			ri = -shift
		}
		n := min(len(pred)-pi, len(ref)-ri)
		if n <= 0 {
			continue
		}
		var sum float64
		for i := 0; i < n; i++ {
			d := pred[pi+i] - ref[ri+i]
			sum += d * d
		}
		if rmse := math.Sqrt(sum / float64(n)); rmse < bestRmse {
			bestRmse = rmse
			bestShift = shift
		}
	}
	if bestRmse == math.MaxFloat64 {
		return 0, 0, fmt.Errorf("no overlap within %d samples", maxShift)
	}
	return bestRmse, bestShift, nil
}

func readZ(path string) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	recs, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(recs) <= 1 {
		return nil, fmt.Errorf("no rows")
	}
	idx := -1
	for _, key := range []string{"z_m", "z", "height_m"} {
		if idx = indexOf(recs[0], key); idx >= 0 {
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("columns not found")
	}
	out := make([]float64, 0, len(recs)-1)
	for _, row := range recs[1:] {
		if len(row) <= idx {
			continue
		}
		v, err := strconv.ParseFloat(row[idx], 64)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

func indexOf(arr []string, key string) int {
	for i, v := range arr {
		if strings.EqualFold(v, key) {
			return i
		}
	}
	return -1
}
