package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"filedrop/lib"

	"github.com/cespare/xxhash"
)

func main() {

	stream := flag.Bool("stream", false, "stream stdin to stdout with checksum on stderr")
	flag.Usage = func() {
		_, _ = fmt.Fprintln(os.Stderr, "usage: filedrop_xxh [-stream] [FILE...]")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() > 0 {
		if *stream {
			flag.Usage()
			os.Exit(1)
		}
		code := 0
		for _, pth := range flag.Args() {
			sum, err := lib.Checksum(pth)
			if err != nil {
				_, _ = fmt.Fprintln(os.Stderr, err)
				code = 1
				continue
			}
			fmt.Printf("%s  %s\n", sum, pth)
		}
		os.Exit(code)
	}

	d := xxhash.New()

	var r io.Reader
	if *stream {
		r = io.TeeReader(os.Stdin, os.Stdout)
	} else {
		r = os.Stdin
	}

	_, err := io.Copy(d, r)
	if err != nil {
		panic(err)
	}

	sum := lib.FormatChecksum(d.Sum64())

	if *stream {
		_, err = fmt.Fprintf(os.Stderr, "%s\n", sum)
	} else {
		_, err = fmt.Fprintf(os.Stdout, "%s\n", sum)
	}
	if err != nil {
		panic(err)
	}

}
