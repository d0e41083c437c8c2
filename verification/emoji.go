// Copyright (c) 2025 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification

// AllEmojis is the SAS emoji table from Section 11.12.2.2.6 of the Spec. The
// index into this table is a six-bit group of the derived SAS bytes.
//
// https://spec.matrix.org/v1.9/client-server-api/#sas-method-emoji
var AllEmojis = [64]Emoji{
	{"🐶", "Dog"},
	{"🐱", "Cat"},
	{"🦁", "Lion"},
	{"🐎", "Horse"},
	{"🦄", "Unicorn"},
	{"🐷", "Pig"},
	{"🐘", "Elephant"},
	{"🐰", "Rabbit"},
	{"🐼", "Panda"},
	{"🐓", "Rooster"},
	{"🐧", "Penguin"},
	{"🐢", "Turtle"},
	{"🐟", "Fish"},
	{"🐙", "Octopus"},
	{"🦋", "Butterfly"},
	{"🌷", "Flower"},
	{"🌳", "Tree"},
	{"🌵", "Cactus"},
	{"🍄", "Mushroom"},
	{"🌏", "Globe"},
	{"🌙", "Moon"},
	{"☁", "Cloud"},
	{"🔥", "Fire"},
	{"🍌", "Banana"},
	{"🍎", "Apple"},
	{"🍓", "Strawberry"},
	{"🌽", "Corn"},
	{"🍕", "Pizza"},
	{"🎂", "Cake"},
	{"❤", "Heart"},
	{"😀", "Smiley"},
	{"🤖", "Robot"},
	{"🎩", "Hat"},
	{"👓", "Glasses"},
	{"🔧", "Spanner"},
	{"🎅", "Santa"},
	{"👍", "Thumbs Up"},
	{"☂", "Umbrella"},
	{"⌛", "Hourglass"},
	{"⏰", "Clock"},
	{"🎁", "Gift"},
	{"💡", "Light Bulb"},
	{"📕", "Book"},
	{"✏", "Pencil"},
	{"📎", "Paperclip"},
	{"✂", "Scissors"},
	{"🔒", "Lock"},
	{"🔑", "Key"},
	{"🔨", "Hammer"},
	{"☎", "Telephone"},
	{"🏁", "Flag"},
	{"🚂", "Train"},
	{"🚲", "Bicycle"},
	{"✈", "Aeroplane"},
	{"🚀", "Rocket"},
	{"🏆", "Trophy"},
	{"⚽", "Ball"},
	{"🎸", "Guitar"},
	{"🎺", "Trumpet"},
	{"🔔", "Bell"},
	{"⚓", "Anchor"},
	{"🎧", "Headphones"},
	{"📁", "Folder"},
	{"📌", "Pin"},
}
