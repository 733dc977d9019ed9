// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dataset reads the image folders of a metric-learning dataset and yields batches of
// images and class labels as a train.Dataset.
//
// The expected layout is:
//
//	<dir>/train/<class>/<image>
//	<dir>/query/<class>/<image>
//	<dir>/gallery/<class>/<image>
//
// Labels are indices into the sorted union of the class folder names of the three splits, so the
// same class gets the same label everywhere.
package dataset

import (
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Split identifies one of the datasets built from the folders.
type Split string

const (
	// Training yields class-balanced, shuffled and augmented batches of the train folder.
	Training Split = "training"

	// Evaluation yields the train folder in order, without augmentation.
	Evaluation Split = "evaluation"

	// Query and Gallery yield the query and gallery folders in order, without augmentation.
	Query   Split = "query"
	Gallery Split = "testing_gallery"
)

// Splits lists all splits, in the order they are usually built.
var Splits = []Split{Training, Evaluation, Query, Gallery}

// Folders of the splits under the dataset directory.
const (
	TrainFolder   = "train"
	QueryFolder   = "query"
	GalleryFolder = "gallery"
)

// ImageExtensions are the file extensions (lower case) read as images, the formats decoded by
// imaging.Open.
var ImageExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".tif", ".tiff"}

// Example is one image file and its class label.
type Example struct {
	Path  string
	Label int32
}

// Collection holds the examples of all folders of a dataset.
type Collection struct {
	Dir string

	// Classes are the sorted class names. Labels index this slice.
	Classes []string

	Train, Query, Gallery []Example
}

// Scan lists the images of the dataset in dir. Examples are sorted by class and then by file name.
func Scan(dir string) (*Collection, error) {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return nil, err
	}
	exists, err := fsutil.FileExists(dir)
	if err != nil {
		return nil, errors.WithMessagef(err, "checking dataset directory %q", dir)
	}
	if !exists {
		return nil, errors.Errorf("dataset directory %q does not exist", dir)
	}

	folders := []string{TrainFolder, QueryFolder, GalleryFolder}
	files := make([]map[string][]string, len(folders))
	classSet := make(map[string]bool)
	for ii, folder := range folders {
		files[ii], err = listClassFolders(filepath.Join(dir, folder))
		if err != nil {
			return nil, err
		}
		for class := range files[ii] {
			classSet[class] = true
		}
	}

	c := &Collection{Dir: dir}
	for class := range classSet {
		c.Classes = append(c.Classes, class)
	}
	slices.Sort(c.Classes)
	labels := make(map[string]int32, len(c.Classes))
	for ii, class := range c.Classes {
		labels[class] = int32(ii)
	}
	splits := []*[]Example{&c.Train, &c.Query, &c.Gallery}
	for ii, perClass := range files {
		for _, class := range c.Classes {
			for _, path := range perClass[class] {
				*splits[ii] = append(*splits[ii], Example{Path: path, Label: labels[class]})
			}
		}
		if len(*splits[ii]) == 0 {
			return nil, errors.Errorf("no images found in %q", filepath.Join(dir, folders[ii]))
		}
	}
	klog.V(1).Infof("Dataset %q: %d classes, %d train, %d query and %d gallery images",
		dir, len(c.Classes), len(c.Train), len(c.Query), len(c.Gallery))
	return c, nil
}

// listClassFolders returns the image paths of each class sub-folder of dir, sorted by name.
func listClassFolders(dir string) (map[string][]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "reading dataset folder %q", dir)
	}
	perClass := make(map[string][]string)
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		classDir := filepath.Join(dir, entry.Name())
		images, err := os.ReadDir(classDir)
		if err != nil {
			return nil, errors.Wrapf(err, "reading class folder %q", classDir)
		}
		var paths []string
		for _, img := range images {
			if img.IsDir() || !slices.Contains(ImageExtensions, strings.ToLower(filepath.Ext(img.Name()))) {
				continue
			}
			paths = append(paths, filepath.Join(classDir, img.Name()))
		}
		if len(paths) == 0 {
			klog.Warningf("Class folder %q has no images, skipping", classDir)
			continue
		}
		slices.Sort(paths)
		perClass[entry.Name()] = paths
	}
	return perClass, nil
}

// Examples returns the examples read by the split.
func (c *Collection) Examples(split Split) []Example {
	switch split {
	case Training, Evaluation:
		return c.Train
	case Query:
		return c.Query
	case Gallery:
		return c.Gallery
	}
	return nil
}

// TrainClasses returns the sorted labels of the classes with training images.
func (c *Collection) TrainClasses() []int32 {
	var labels []int32
	for _, example := range c.Train {
		if len(labels) == 0 || labels[len(labels)-1] != example.Label {
			labels = append(labels, example.Label)
		}
	}
	return labels
}
