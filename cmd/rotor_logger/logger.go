// Command rotor_logger copies rotord status broadcasts into InfluxDB.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/gorilla/websocket"
	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/w1xm/rotor_interface/config"
)

var (
	configFile = flag.String("config", "", "rotord YAML configuration file")
	address    = flag.String("address", "ws://localhost:8502/ws", "rotord status websocket")
)

func main() {
	flag.Parse()
	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatal(err)
	}
	influx := cfg.Influx
	if server := os.Getenv("INFLUX_SERVER"); server != "" {
		influx.URL = server
	}
	if token := os.Getenv("INFLUX_TOKEN"); token != "" {
		influx.Token = token
	}
	if influx.Hostname == "" {
		influx.Hostname, _ = os.Hostname()
	}

	client := influxdb2.NewClient(influx.URL, influx.Token)
	defer client.Close()
	// Get non-blocking write client
	writeApi := client.WriteApi(influx.Org, influx.Bucket)
	defer writeApi.Close()
	go func() {
		for err := range writeApi.Errors() {
			log.Printf("write error: %v", err)
		}
	}()
	tags := map[string]string{"host": influx.Hostname}
	for {
		if err := logData(writeApi, *address, tags); err != nil {
			log.Print(err)
		}
		time.Sleep(1 * time.Second)
	}
}

// flattenStatus stores every leaf of status in fields, keyed by its dotted path.
func flattenStatus(fields map[string]interface{}, status interface{}, prefix string) {
	switch status := status.(type) {
	case map[string]interface{}:
		for k, v := range status {
			flattenStatus(fields, v, prefix+"."+k)
		}
	case []interface{}:
		for k, v := range status {
			flattenStatus(fields, v, fmt.Sprintf("%s.%d", prefix, k))
		}
	case bool:
		// Influx can't aggregate booleans.
		v := 0
		if status {
			v = 1
		}
		fields[prefix[1:]] = v
	default:
		fields[prefix[1:]] = status
	}
}

func logData(writeApi api.WriteApi, url string, tags map[string]string) error {
	defer writeApi.Flush()
	var dialer websocket.Dialer
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	log.Printf("connected to %s", url)
	for {
		var status map[string]interface{}
		if err := conn.ReadJSON(&status); err != nil {
			return err
		}
		fields := make(map[string]interface{})
		flattenStatus(fields, status, "")

		p := influxdb2.NewPoint("rotor.status",
			tags,
			fields,
			time.Now(),
		)
		// write asynchronously
		writeApi.WritePoint(p)
	}
}
